// Package coa implements the local CoA/Disconnect bridge: a Unix stream
// socket carrying one JSON request and one JSON reply per connection.
// The connection handler never touches session state itself; it enqueues
// a command carrying a one-shot reply promise that the single-writer
// engine resolves.
package coa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/saphalpdyl/aether/internal/engine"
)

// Config configures a Server.
type Config struct {
	// SocketPath is the Unix socket the bridge listens on.
	SocketPath string
	// ReadTimeout bounds reading one request off an accepted connection.
	ReadTimeout time.Duration
	// ReplyTimeout bounds waiting for the engine to resolve the reply
	// promise.
	ReplyTimeout time.Duration
}

// Request is the wire format of one CoA bridge request.
type Request struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
	FilterID  string `json:"filter_id,omitempty"`
}

// ErrCommandQueueFull is reported to the client when the engine's command
// channel cannot accept the request within the reply timeout.
var ErrCommandQueueFull = errors.New("coa: engine command queue full")

// Server accepts CoA connections and bridges them onto the engine's
// command channel.
type Server struct {
	cfg    Config
	cmdCh  chan<- engine.Command
	logger *slog.Logger
	ln     net.Listener
}

// New binds the Unix socket and returns a Server ready to Run. A stale
// socket file from a previous run is removed before binding.
func New(cfg Config, cmdCh chan<- engine.Command, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Second
	}

	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("coa: remove stale socket %s: %w", cfg.SocketPath, err)
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("coa: listen on %s: %w", cfg.SocketPath, err)
	}

	return &Server{cfg: cfg, cmdCh: cmdCh, logger: logger, ln: ln}, nil
}

// Run accepts connections until ctx is cancelled, handling each in its
// own goroutine. The listener is closed (and the socket file removed)
// when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
		os.Remove(s.cfg.SocketPath)
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("coa: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads one request, routes it through the engine, and writes
// one reply. Every failure path still produces a JSON reply so clients
// never hang on a silent close.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("coa: bad request", slog.Any("error", err))
		s.writeReply(conn, engine.CoAReply{Success: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	reply := s.roundTrip(ctx, req)
	s.writeReply(conn, reply)
}

// roundTrip enqueues the request as an engine command and waits for the
// reply promise, bounded by ReplyTimeout on both sides.
func (s *Server) roundTrip(ctx context.Context, req Request) engine.CoAReply {
	cmd := &engine.CoACommand{
		Action:    req.Action,
		SessionID: req.SessionID,
		FilterID:  req.FilterID,
		Reply:     make(chan engine.CoAReply, 1),
	}

	timer := time.NewTimer(s.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case s.cmdCh <- engine.Command{Kind: engine.CmdCoA, CoA: cmd}:
	case <-timer.C:
		return engine.CoAReply{Success: false, Error: ErrCommandQueueFull.Error()}
	case <-ctx.Done():
		return engine.CoAReply{Success: false, Error: "shutting down"}
	}

	select {
	case reply, ok := <-cmd.Reply:
		if !ok {
			return engine.CoAReply{Success: false, Error: "engine closed reply channel"}
		}
		return reply
	case <-timer.C:
		return engine.CoAReply{Success: false, Error: "timed out waiting for engine reply"}
	case <-ctx.Done():
		return engine.CoAReply{Success: false, Error: "shutting down"}
	}
}

func (s *Server) writeReply(conn net.Conn, reply engine.CoAReply) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReplyTimeout))
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.logger.Warn("coa: write reply", slog.Any("error", err))
	}
}
