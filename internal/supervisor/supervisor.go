package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/you/chzzk-deck/internal/chzzk"
	"github.com/you/chzzk-deck/internal/core"
)

var (
	// ErrMissingChannelID is returned by Start when no channel id is
	// configured; the session never starts.
	ErrMissingChannelID = errors.New("supervisor: channel id is required")

	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("supervisor: chat session already running")
)

// restartCooldown gives the transport a moment to settle between a stop and
// the next negotiation.
const restartCooldown = time.Second

// TokenSource resolves the artifacts needed to open a chat session.
type TokenSource interface {
	Resolve(ctx context.Context, channelID string) (*chzzk.Session, error)
}

// ChatSession is one negotiated connection (satisfied by *chzzk.Client).
type ChatSession interface {
	Dial(ctx context.Context) error
	Run(ctx context.Context) error
	Close()
	Server() string
}

// SessionFactory builds a ChatSession for resolved credentials. onState
// receives protocol-level state transitions; handle receives messages.
type SessionFactory func(sess *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) ChatSession

// Publisher receives every normalized message from the live session.
type Publisher func(core.ChatMessage)

// DisconnectFunc is notified when the session ends while it was expected to
// stay live. The supervisor does not retry on its own; the observer decides
// whether to call Restart.
type DisconnectFunc func(err error)

// Supervisor drives acquisition, negotiation, and the protocol session, and
// owns the session lifecycle state machine.
type Supervisor struct {
	tokens       TokenSource
	newSession   SessionFactory
	publish      Publisher
	onDisconnect DisconnectFunc

	mu         sync.Mutex
	state      core.ConnState
	gen        uint64
	cancel     context.CancelFunc
	session    ChatSession
	channelID  string
	resolved   *chzzk.Session
	startedAt  time.Time
	lastError  string
	lastServer string
}

func New(tokens TokenSource, factory SessionFactory, publish Publisher, onDisconnect DisconnectFunc) *Supervisor {
	return &Supervisor{
		tokens:       tokens,
		newSession:   factory,
		publish:      publish,
		onDisconnect: onDisconnect,
		state:        core.StateIdle,
	}
}

// Start resolves credentials and negotiates a connection, returning once the
// session is established (or has failed). The live session then continues on
// its own goroutine.
func (s *Supervisor) Start(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrMissingChannelID
	}

	s.mu.Lock()
	if s.state != core.StateIdle && s.state != core.StateFailed {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.gen++
	gen := s.gen
	s.state = core.StateResolving
	s.channelID = channelID
	s.resolved = nil
	s.lastError = ""
	s.mu.Unlock()

	resolved, err := s.tokens.Resolve(ctx, channelID)
	if err != nil {
		s.fail(gen, err, false)
		return err
	}

	session := s.newSession(resolved,
		func(st core.ConnState) { s.observeState(gen, st) },
		func(msg core.ChatMessage) { s.deliver(gen, msg) },
	)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		session.Close()
		return context.Canceled
	}
	s.state = core.StateConnecting
	s.resolved = resolved
	s.session = session
	s.mu.Unlock()

	if err := session.Dial(ctx); err != nil {
		s.fail(gen, err, false)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		session.Close()
		return context.Canceled
	}
	s.cancel = cancel
	s.startedAt = time.Now()
	s.lastServer = session.Server()
	s.mu.Unlock()

	slog.Info("chat session started", "channel_id", channelID, "server", session.Server())

	go s.runSession(runCtx, gen, session)
	return nil
}

func (s *Supervisor) runSession(ctx context.Context, gen uint64, session ChatSession) {
	err := session.Run(ctx)

	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale || err == nil || errors.Is(err, context.Canceled) {
		return
	}

	slog.Warn("chat session ended unexpectedly", "err", err)
	s.fail(gen, err, true)
}

// fail records a failure for the given generation. Notify distinguishes an
// established session dying (observers told) from a failed Start (the caller
// already gets the error).
func (s *Supervisor) fail(gen uint64, err error, notify bool) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.session = nil
	s.resolved = nil
	if notify {
		s.state = core.StateFailed
	} else {
		s.state = core.StateIdle
	}
	s.lastError = err.Error()
	s.mu.Unlock()

	if notify && s.onDisconnect != nil {
		s.onDisconnect(err)
	}
}

// Stop requests a clean close. Idempotent; after it returns, no message from
// the old session reaches the publisher.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.gen++ // invalidates in-flight callbacks from the old session
	session := s.session
	cancel := s.cancel
	s.session = nil
	s.cancel = nil
	s.resolved = nil
	s.state = core.StateIdle
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Close()
		slog.Info("chat session stopped")
	}
}

// Restart stops, waits out the transport cooldown, and starts again with the
// last configured channel id.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	channelID := s.channelID
	s.mu.Unlock()

	s.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(restartCooldown):
	}
	return s.Start(ctx, channelID)
}

// Status is a point-in-time view of the session.
type Status struct {
	State         core.ConnState `json:"state"`
	Active        bool           `json:"active"`
	ChannelID     string         `json:"channelId,omitempty"`
	ChatChannelID string         `json:"chatChannelId,omitempty"`
	ChannelName   string         `json:"channelName,omitempty"`
	Server        string         `json:"server,omitempty"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		Active:    s.state == core.StateLive || s.state == core.StateAuthenticating || s.state == core.StateConnecting,
		ChannelID: s.channelID,
		LastError: s.lastError,
	}
	if s.resolved != nil {
		st.ChatChannelID = s.resolved.ChatChannelID
		st.ChannelName = s.resolved.ChannelName
	}
	if s.session != nil {
		st.Server = s.lastServer
		t := s.startedAt
		st.StartedAt = &t
	}
	return st
}

func (s *Supervisor) observeState(gen uint64, st core.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	switch st {
	case core.StateAuthenticating, core.StateLive:
		s.state = st
	case core.StateClosing:
		// Run's return decides whether this close was requested or a fault.
	}
}

// deliver forwards a message to the publisher unless the session that
// produced it has been stopped in the meantime.
func (s *Supervisor) deliver(gen uint64, msg core.ChatMessage) {
	s.mu.Lock()
	live := s.gen == gen
	s.mu.Unlock()
	if !live || s.publish == nil {
		return
	}
	s.publish(msg)
}
