package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrConnectionLimit is returned by OpenSession when the process is full.
	ErrConnectionLimit = errors.New("connection limit reached")
	// ErrGatewayClosed is returned by OpenSession during shutdown.
	ErrGatewayClosed = errors.New("gateway is shutting down")
)

// GatewayConfig holds process-wide connection limits and the per-session
// defaults. Zero limits disable the check.
type GatewayConfig struct {
	ConnectionLimit  int
	ConnectionTarget int
	Session          Config
}

// Gateway accepts sessions and tracks the open ones.
type Gateway struct {
	hub    Subscriber
	cfg    GatewayConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	live     sync.WaitGroup
}

// NewGateway creates a gateway whose sessions subscribe through h.
func NewGateway(log *slog.Logger, h Subscriber, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Gateway{
		hub:      h,
		cfg:      cfg,
		logger:   log.With(slog.String("component", "gateway")),
		sessions: map[string]*Session{},
	}
}

// OpenSession creates a session in the Connecting state. The caller must
// Start it and eventually Close it.
func (g *Gateway) OpenSession() (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGatewayClosed
	}
	if g.cfg.ConnectionLimit > 0 && len(g.sessions) >= g.cfg.ConnectionLimit {
		g.logger.Warn("connection limit reached", slog.Int("limit", g.cfg.ConnectionLimit))
		return nil, ErrConnectionLimit
	}
	s := New(g.logger, uuid.NewString(), g.hub, g.cfg.Session)
	s.onClose = g.forget
	g.sessions[s.id] = s
	g.live.Add(1)
	return s, nil
}

func (g *Gateway) forget(s *Session) {
	g.mu.Lock()
	_, ok := g.sessions[s.id]
	delete(g.sessions, s.id)
	g.mu.Unlock()
	if ok {
		g.live.Done()
	}
}

// Len returns the number of open sessions.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Target returns the configured target connection count.
func (g *Gateway) Target() int { return g.cfg.ConnectionTarget }

// Limit returns the configured connection limit.
func (g *Gateway) Limit() int { return g.cfg.ConnectionLimit }

// OverTarget reports whether more sessions are open than the target, in which
// case transports ask new clients to reconnect elsewhere.
func (g *Gateway) OverTarget() bool {
	if g.cfg.ConnectionTarget <= 0 {
		return false
	}
	return g.Len() > g.cfg.ConnectionTarget
}

// Sessions returns a snapshot of every open session ordered by id.
func (g *Gateway) Sessions() []Stats {
	g.mu.Lock()
	open := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	out := make([]Stats, 0, len(open))
	for _, s := range open {
		out = append(out, s.Stats())
	}
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Shutdown drains every session with ReasonServerRestart and waits for the
// transports to close them. Sessions still open when ctx ends are closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	open := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	g.logger.Info("draining sessions", slog.Int("sessions", len(open)))
	for _, s := range open {
		s.Drain(ReasonServerRestart)
	}

	done := make(chan struct{})
	go func() {
		g.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	open = open[:0]
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()
	g.logger.Warn("forcing sessions closed", slog.Int("sessions", len(open)))
	for _, s := range open {
		s.Close(ReasonServerRestart)
	}
	<-done
	return ctx.Err()
}
