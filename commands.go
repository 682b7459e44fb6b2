/*
Package redkv — built-in command set.

This file registers every command the server supports out of the box.
Coverage is intentionally narrow — full Redis command coverage is an
explicit non-goal — but each one matches Redis' wire behavior exactly,
including its exact error strings, because real clients parse them.

Command Categories:
  - Connection: PING, ECHO, QUIT, HELP (ambient extras, not data-plane)
  - String:     GET, SET, INCR, DECR
  - Generic:    DEL, EXISTS
  - List:       LPUSH, RPUSH, LRANGE

Each has a register{Name}Handler helper so a caller can override the
built-in behavior without touching this file.
*/
package redkv

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandType names a built-in command as a typed string constant.
type CommandType string

const (
	PING CommandType = "PING"
	ECHO CommandType = "ECHO"
	QUIT CommandType = "QUIT"
	HELP CommandType = "HELP"

	GET  CommandType = "GET"
	SET  CommandType = "SET"
	DEL  CommandType = "DEL"
	INCR CommandType = "INCR"
	DECR CommandType = "DECR"

	EXISTS CommandType = "EXISTS"

	LPUSH  CommandType = "LPUSH"
	RPUSH  CommandType = "RPUSH"
	LRANGE CommandType = "LRANGE"
)

func arityError(name string) Value {
	return Err0(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}

// registerDefaultHandlers wires every built-in command against s.Store.
// Custom implementations can override any of these by registering a new
// handler under the same name.
func (s *Server) registerDefaultHandlers() {
	s.registerPingHandler(func(conn *Connection, cmd *Command) Value {
		if len(cmd.Args) == 0 {
			return Str0("PONG")
		}
		if len(cmd.Args) > 1 {
			return arityError("ping")
		}
		return Bulk0([]byte(cmd.Args[0]))
	})

	s.registerEchoHandler(func(conn *Connection, cmd *Command) Value {
		if len(cmd.Args) != 1 {
			return arityError("echo")
		}
		return Bulk0([]byte(cmd.Args[0]))
	})

	s.registerHelpHandler(func(conn *Connection, cmd *Command) Value {
		helpText := "redkv - supported commands:\n" +
			"PING [message], ECHO message, QUIT\n" +
			"GET key, SET key value [EX seconds | PX milliseconds]\n" +
			"DEL key [key ...], EXISTS key [key ...]\n" +
			"INCR key, DECR key\n" +
			"LPUSH key value [value ...], RPUSH key value [value ...]\n" +
			"LRANGE key start stop"
		return Bulk0([]byte(helpText))
	})

	s.registerQuitHandler(func(conn *Connection, cmd *Command) Value {
		conn.closeAfterReply = true
		return Str0("OK")
	})

	s.registerGetHandler(func(conn *Connection, cmd *Command) Value {
		if len(cmd.Args) != 1 {
			return arityError("get")
		}
		v, ok := s.Store.Get(cmd.Args[0])
		if !ok {
			return NilBulk()
		}
		return Bulk0(v)
	})

	s.registerSetHandler(func(conn *Connection, cmd *Command) Value {
		return handleSet(s.Store, cmd)
	})

	s.registerDelHandler(func(conn *Connection, cmd *Command) Value {
		if len(cmd.Args) < 1 {
			return arityError("del")
		}
		return Int0(int64(s.Store.Delete(cmd.Args...)))
	})

	s.registerExistsHandler(func(conn *Connection, cmd *Command) Value {
		if len(cmd.Args) < 1 {
			return arityError("exists")
		}
		return Int0(int64(s.Store.ExistsCount(cmd.Args...)))
	})

	s.registerIncrHandler(func(conn *Connection, cmd *Command) Value {
		return handleIncrDecr(s.Store, cmd, "incr", 1)
	})

	s.registerDecrHandler(func(conn *Connection, cmd *Command) Value {
		return handleIncrDecr(s.Store, cmd, "decr", -1)
	})

	s.registerLpushHandler(func(conn *Connection, cmd *Command) Value {
		return handlePush(s.Store, cmd, "lpush", pushLeft)
	})

	s.registerRpushHandler(func(conn *Connection, cmd *Command) Value {
		return handlePush(s.Store, cmd, "rpush", pushRight)
	})

	s.registerLrangeHandler(func(conn *Connection, cmd *Command) Value {
		return handleLrange(s.Store, cmd)
	})
}

func handleSet(store *Store, cmd *Command) Value {
	switch len(cmd.Args) {
	case 2:
		store.Set(cmd.Args[0], []byte(cmd.Args[1]))
		return Str0("OK")
	case 4:
		key, val, opt, amount := cmd.Args[0], cmd.Args[1], strings.ToUpper(cmd.Args[2]), cmd.Args[3]

		var unitNS int64
		switch opt {
		case "EX":
			unitNS = int64(1e9)
		case "PX":
			unitNS = int64(1e6)
		default:
			return Err0("ERR syntax error")
		}

		n, err := strconv.ParseInt(amount, 10, 64)
		if err != nil {
			return Err0("ERR value is not an integer or out of range")
		}
		store.SetWithExpiry(key, []byte(val), n*unitNS)
		return Str0("OK")
	default:
		return arityError("set")
	}
}

func handleIncrDecr(store *Store, cmd *Command, name string, delta int64) Value {
	if len(cmd.Args) != 1 {
		return arityError(name)
	}
	n, err := store.Incr(cmd.Args[0], delta)
	if err != nil {
		return translateStoreError(err)
	}
	return Int0(n)
}

func handlePush(store *Store, cmd *Command, name string, side pushSide) Value {
	if len(cmd.Args) < 2 {
		return arityError(name)
	}
	var length int
	var err error
	for _, v := range cmd.Args[1:] {
		length, err = store.Push(cmd.Args[0], side, []byte(v))
		if err != nil {
			return translateStoreError(err)
		}
	}
	return Int0(int64(length))
}

func handleLrange(store *Store, cmd *Command) Value {
	if len(cmd.Args) != 3 {
		return arityError("lrange")
	}
	start, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		return Err0("ERR value is not an integer or out of range")
	}
	stop, err := strconv.Atoi(cmd.Args[2])
	if err != nil {
		return Err0("ERR value is not an integer or out of range")
	}

	items, err := store.LRange(cmd.Args[0], start, stop)
	if err != nil {
		return translateStoreError(err)
	}
	out := make([]Value, len(items))
	for i, item := range items {
		out[i] = Bulk0(item)
	}
	return Value{Kind: Array, Items: out}
}

func translateStoreError(err error) Value {
	switch err {
	case ErrNotInteger:
		return Err0("ERR value is not an integer or out of range")
	case ErrWrongType:
		return Err0("WRONGTYPE Operation against a key holding the wrong kind of value")
	default:
		return Err0("ERR " + err.Error())
	}
}

// ====================
// Registration helpers
// ====================
//
// Each follows the pattern register{Name}Handler(f), a thin alias over
// RegisterCommandFunc that documents which built-in command it targets and
// gives callers an explicit, typed override point.

func (s *Server) registerPingHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(PING), f)
}

func (s *Server) registerEchoHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(ECHO), f)
}

func (s *Server) registerQuitHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(QUIT), f)
}

func (s *Server) registerHelpHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(HELP), f)
}

func (s *Server) registerGetHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(GET), f)
}

func (s *Server) registerSetHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(SET), f)
}

func (s *Server) registerDelHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(DEL), f)
}

func (s *Server) registerExistsHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(EXISTS), f)
}

func (s *Server) registerIncrHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(INCR), f)
}

func (s *Server) registerDecrHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(DECR), f)
}

func (s *Server) registerLpushHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(LPUSH), f)
}

func (s *Server) registerRpushHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(RPUSH), f)
}

func (s *Server) registerLrangeHandler(f func(conn *Connection, cmd *Command) Value) {
	s.RegisterCommandFunc(string(LRANGE), f)
}
