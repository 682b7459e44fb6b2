/*
Package redkv implements the core server functionality for a Redis-compatible
in-memory key/value server.

This file contains the main server implementation including:

Core Server Operations:
  - Server lifecycle management (Listen, Serve, Shutdown)
  - Connection handling and state management
  - Command routing, middleware dispatch, and the Store/Sweeper wiring
  - Resource management and limits

Usage Example:

	server := redkv.NewServer(":6379")
	server.ReadTimeout = 30 * time.Second
	server.MaxConnections = 1000

	server.RegisterCommandFunc("CUSTOM", func(conn *Connection, cmd *Command) Value {
		return Str0("OK")
	})

	log.Fatal(server.ListenAndServe())

Architecture:
The server uses a goroutine-per-connection model with shared state protected
by appropriate synchronization primitives. Command dispatch runs through the
Server's MiddlewareChain before reaching the registered handler, and a
background Sweeper evicts expired Store keys independently of any
connection's read loop.
*/
package redkv

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"
)

// ServerOption configures NewServer. Options that affect the Store must be
// applied before the server starts its background Sweeper, which is why
// they are plain constructor options rather than post-construction field
// assignments.
type ServerOption func(*Server)

// WithStore replaces the server's default Store, e.g. to configure shard
// count or inject a FakeClock for tests.
func WithStore(store *Store) ServerOption {
	return func(s *Server) { s.Store = store }
}

// WithSlowLogThreshold sets the duration above which the built-in slow
// command logger reports a command. Zero disables it.
func WithSlowLogThreshold(d time.Duration) ServerOption {
	return func(s *Server) { s.SlowLogThreshold = d }
}

// WithSweepInterval overrides how often the background Sweeper runs.
func WithSweepInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.SweepInterval = d }
}

// NewServer creates a new server instance bound to address, with the
// built-in commands registered, a Store, and the idle connection checker
// and expiration Sweeper already running.
func NewServer(address string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		Address:          address,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		MaxConnections:   1000,
		SlowLogThreshold: 0,
		SweepInterval:    defaultSweepPeriod,
		ErrorLog:         log.New(log.Writer(), "[redkv] ", log.LstdFlags),
		Store:            NewStore(),
		handlers:         make(map[string]CommandHandler),
		middleware:       NewMiddlewareChain(),
		activeConns:      make(map[*Connection]struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}

	for _, opt := range opts {
		opt(server)
	}

	server.registerDefaultHandlers()
	server.middleware.Add(slowLogMiddleware(server, server.SlowLogThreshold))
	server.startIdleChecker()
	server.startSweeper()

	return server
}

// RegisterCommand registers a command handler under name (case-insensitive).
func (s *Server) RegisterCommand(name string, handler CommandHandler) error {
	if name == "" || handler == nil {
		return fmt.Errorf("empty command name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(name)] = handler
	return nil
}

// RegisterCommandFunc registers a plain function as a command handler.
func (s *Server) RegisterCommandFunc(name string, handler func(*Connection, *Command) Value) error {
	if name == "" || handler == nil {
		return fmt.Errorf("empty command name")
	}
	return s.RegisterCommand(name, CommandHandlerFunc(handler))
}

// Listen creates the network listener, TCP or TLS depending on TLSConfig.
func (s *Server) Listen() error {
	var err error
	if s.TLSConfig != nil {
		s.listener, err = tls.Listen("tcp", s.Address, s.TLSConfig)
	} else {
		s.listener, err = net.Listen("tcp", s.Address)
	}

	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}

	s.ErrorLog.Printf("redkv server listening on %s", s.Address)
	return nil
}

// Serve accepts connections until the server shuts down, handling each in
// its own goroutine.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	defer s.listener.Close()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return nil
			}
			s.ErrorLog.Printf("accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func(netConn net.Conn) {
			defer s.wg.Done()

			if s.MaxConnections > 0 && s.connCount.Add(1) > int64(s.MaxConnections) {
				s.connCount.Add(-1)
				netConn.Close()
				s.ErrorLog.Printf("connection limit reached, rejecting connection from %s", netConn.RemoteAddr())
				return
			}

			s.handleConnectionInternal(netConn)
			s.connCount.Add(-1)
		}(conn)
	}
}

// ListenAndServe is a convenience wrapper around Listen and Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown gracefully shuts down the server, stopping the sweeper and idle
// checker, closing the listener and all active connections, running
// registered shutdown hooks, and waiting for every connection goroutine to
// exit (or ctx to expire, whichever comes first).
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return err
		}
	}

	s.mu.RLock()
	for conn := range s.activeConns {
		if err := conn.Close(); err != nil {
			s.mu.RUnlock()
			return err
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	for _, fn := range s.onShutdown {
		fn()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// handleConnectionInternal runs a single client connection's read/dispatch
// loop until it closes or the server shuts down.
func (s *Server) handleConnectionInternal(netConn net.Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	conn := &Connection{
		conn:     netConn,
		server:   s,
		ctx:      ctx,
		cancel:   cancel,
		lastUsed: time.Now(),
	}

	conn.state.Store(int32(StateNew))

	s.mu.Lock()
	s.activeConns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.activeConns, conn)
		s.mu.Unlock()
	}()

	if s.ConnStateHook != nil {
		s.ConnStateHook(netConn, StateNew)
	}

	conn.setState(StateActive)
	if s.ConnStateHook != nil {
		s.ConnStateHook(netConn, StateActive)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.ReadTimeout > 0 {
			if err := netConn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
				s.ErrorLog.Printf("failed to set read deadline: %v", err)
				return
			}
		}

		cmd, err := conn.readCommand()
		if err != nil {
			if err != io.EOF && err != errEmptyCommand {
				s.ErrorLog.Printf("error reading command from %s: %v", netConn.RemoteAddr(), err)
			}
			return
		}

		conn.mu.Lock()
		conn.lastUsed = time.Now()
		conn.mu.Unlock()

		s.setConnectionActive(conn)

		response := s.dispatch(conn, cmd)

		if s.WriteTimeout > 0 {
			if err := netConn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
				return
			}
		}

		if err := conn.writeValue(response); err != nil {
			s.ErrorLog.Printf("error writing response to %s: %v", netConn.RemoteAddr(), err)
			return
		}

		if conn.closeAfterReply {
			return
		}
	}
}

// dispatch routes cmd through the server's middleware chain to its
// registered handler, recovering from handler panics so one bad command
// cannot bring down the connection's goroutine.
func (s *Server) dispatch(conn *Connection, cmd *Command) (result Value) {
	defer func() {
		if r := recover(); r != nil {
			s.ErrorLog.Printf("panic in command handler '%s': %v", cmd.Name, r)
			result = Err0("ERR internal error")
		}
	}()

	return s.middleware.Execute(conn, cmd, CommandHandlerFunc(s.handleCommand))
}

// handleCommand is the terminal CommandHandler the middleware chain wraps:
// it performs case-insensitive lookup against the registration table and
// replies with Redis' own unknown-command error format when nothing
// matches.
func (s *Server) handleCommand(conn *Connection, cmd *Command) Value {
	if cmd == nil || cmd.Name == "" {
		return Err0("ERR empty command")
	}

	s.mu.RLock()
	handler, exists := s.handlers[strings.ToUpper(cmd.Name)]
	s.mu.RUnlock()

	if !exists {
		return Err0(fmt.Sprintf("ERR unknown command '%s', with args beginning with: %s", cmd.Name, unknownCommandArgs(cmd.Args)))
	}

	return handler.Handle(conn, cmd)
}

// unknownCommandArgs renders the leading portion of a command's arguments
// the way Redis does in its "unknown command" error: the first argument
// quoted, or an empty string when there are no arguments.
func unknownCommandArgs(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return "'" + args[0] + "'"
}

// OnShutdown registers a function to call during graceful shutdown.
func (s *Server) OnShutdown(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = append(s.onShutdown, f)
}

// GetActiveConnections returns the number of currently active connections.
func (s *Server) GetActiveConnections() int64 {
	return s.connCount.Load()
}

// IsShutdown reports whether the server is shutting down.
func (s *Server) IsShutdown() bool {
	return s.inShutdown.Load()
}

// TriggerIdleCheck manually runs one idle-connection sweep, for tests.
func (s *Server) TriggerIdleCheck() {
	s.checkIdleConnections()
}

// TriggerExpirySweep manually runs one Store expiration sweep, for tests.
func (s *Server) TriggerExpirySweep() {
	s.Store.RemoveExpiredKeys()
}

// startIdleChecker starts the background goroutine that marks connections
// idle after IdleTimeout of inactivity.
func (s *Server) startIdleChecker() {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.checkIdleConnections()
			}
		}
	}()
}

// startSweeper starts the background Store expiration sweeper.
func (s *Server) startSweeper() {
	sweeper := NewSweeper(s.Store, s.SweepInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sweeper.Run(s.ctx)
	}()
}

// checkIdleConnections transitions connections idle for longer than
// IdleTimeout from StateActive to StateIdle.
func (s *Server) checkIdleConnections() {
	if s.IdleTimeout <= 0 {
		return
	}

	now := time.Now()
	idleThreshold := now.Add(-s.IdleTimeout)

	s.mu.RLock()
	connsToCheck := make([]*Connection, 0, len(s.activeConns))
	for conn := range s.activeConns {
		connsToCheck = append(connsToCheck, conn)
	}
	s.mu.RUnlock()

	var idleConns []*Connection
	for _, conn := range connsToCheck {
		conn.mu.RLock()
		lastUsed := conn.lastUsed
		conn.mu.RUnlock()

		if ConnState(conn.state.Load()) == StateActive && lastUsed.Before(idleThreshold) {
			idleConns = append(idleConns, conn)
		}
	}

	for _, conn := range idleConns {
		conn.setState(StateIdle)
	}
}

// setConnectionActive transitions conn back to StateActive if it was idle.
func (s *Server) setConnectionActive(conn *Connection) {
	if ConnState(conn.state.Load()) == StateIdle {
		conn.setState(StateActive)
		if s.ConnStateHook != nil {
			s.ConnStateHook(conn.conn, StateActive)
		}
	}
}
