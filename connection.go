/*
Package redkv implements client connection management for the server.

This file provides the Connection type and associated methods for managing
individual client connections throughout their lifecycle.

Core Responsibilities:
  - TCP/TLS connection wrapping and management
  - Incremental RESP framing over a growable read buffer
  - Thread-safe connection state tracking and transitions
  - Context-based cancellation and resource cleanup

Connection Lifecycle:
 1. Connection creation and initialization (StateNew)
 2. Active command processing (StateActive)
 3. Idle waiting between commands (StateIdle)
 4. Graceful termination and cleanup (StateClosed)

Framing:
Connection does not use a bufio.Reader line/length reader. Instead it keeps
a growable []byte buffer, appends whatever conn.Read returns, and loops
ExtractFrame over it. ExtractFrame's ErrNeedMore means "read more bytes and
try again" rather than "block until a delimiter arrives," which is what
lets one read syscall serve several pipelined commands at once and lets a
single command span several reads without the reader caring either way.
*/
package redkv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const initialReadBufferSize = 4096

// Connection represents a client connection to the server.
type Connection struct {
	conn      net.Conn
	server    *Server
	state     atomic.Int32
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	lastUsed  time.Time

	readBuf []byte // bytes read from conn not yet consumed by ExtractFrame
	readPos int    // start of unconsumed data within readBuf

	closeAfterReply bool // set by the QUIT handler to end the read loop after replying
}

// setState updates the connection state and notifies the server's
// ConnStateHook, if configured.
func (c *Connection) setState(state ConnState) {
	c.state.Store(int32(state))
	if c.server.ConnStateHook != nil {
		c.server.ConnStateHook(c.conn, state)
	}
}

// Close performs thread-safe connection cleanup exactly once, regardless of
// how many times it's called.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// GetState returns the current connection state.
func (c *Connection) GetState() ConnState {
	return ConnState(c.state.Load())
}

// RemoteAddr returns the client's network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the server's local address for this connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// errEmptyCommand signals that a frame decoded to an Array with no elements
// (or a non-Array top-level frame), which carries no command to dispatch.
var errEmptyCommand = errors.New("redkv: empty command")

// readCommand reads and decodes exactly one pipelined command from the
// connection, growing and compacting its internal buffer as needed. It
// blocks on the network only when the buffer holds no complete frame yet.
func (c *Connection) readCommand() (*Command, error) {
	for {
		if frame, n, err := ExtractFrame(c.readBuf[c.readPos:]); err != ErrNeedMore {
			if err != nil {
				return nil, err
			}
			c.readPos += n
			return frameToCommand(frame)
		}

		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// fill reads more bytes from the network into readBuf, compacting away
// already-consumed bytes first and growing the buffer if it is full.
func (c *Connection) fill() error {
	if c.readPos > 0 {
		remaining := copy(c.readBuf, c.readBuf[c.readPos:])
		c.readBuf = c.readBuf[:remaining]
		c.readPos = 0
	}

	if len(c.readBuf) == cap(c.readBuf) {
		grown := make([]byte, len(c.readBuf), 2*cap(c.readBuf)+initialReadBufferSize)
		copy(grown, c.readBuf)
		c.readBuf = grown
	}

	free := c.readBuf[len(c.readBuf):cap(c.readBuf)]
	n, err := c.conn.Read(free)
	c.readBuf = c.readBuf[:len(c.readBuf)+n]
	if n > 0 {
		return nil
	}
	return err
}

// frameToCommand converts a decoded top-level Array Value into a Command.
// Redis clients usually send commands as an array of bulk strings, but
// SimpleStrings are accepted interchangeably as byte payloads in the same
// position; anything else at the top level is treated as an empty command.
func frameToCommand(frame Value) (*Command, error) {
	if frame.Kind != Array || len(frame.Items) == 0 {
		return nil, errEmptyCommand
	}

	args := make([]string, len(frame.Items))
	for i, item := range frame.Items {
		switch item.Kind {
		case BulkString:
			args[i] = string(item.Bulk)
		case SimpleString:
			args[i] = item.Str
		default:
			return nil, fmt.Errorf("redkv: command element %d is not a bulk or simple string", i)
		}
	}

	return &Command{Name: args[0], Args: args[1:], Raw: frame.Items}, nil
}

// writeValue encodes v and writes it directly to the connection.
func (c *Connection) writeValue(v Value) error {
	_, err := c.conn.Write(Encode(v))
	return err
}
