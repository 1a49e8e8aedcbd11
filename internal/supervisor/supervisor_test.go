package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/chzzk-deck/internal/chzzk"
	"github.com/you/chzzk-deck/internal/core"
)

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) Resolve(_ context.Context, channelID string) (*chzzk.Session, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &chzzk.Session{
		ChannelID:     channelID,
		ChannelName:   "tester",
		ChatChannelID: "cc-" + channelID,
		AccessToken:   "tok",
	}, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSession struct {
	dialErr error
	runErr  error

	onState func(core.ConnState)
	handle  chzzk.Handler

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	started chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (f *fakeSession) Dial(context.Context) error { return f.dialErr }

func (f *fakeSession) Run(ctx context.Context) error {
	close(f.started)
	f.onState(core.StateLive)
	select {
	case <-ctx.Done():
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return nil
		}
		return ctx.Err()
	case <-f.done:
		return f.runErr
	}
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) Server() string { return "wss://kr-ss1.chat.naver.com/chat" }

// end makes Run return with the configured error.
func (f *fakeSession) end() { close(f.done) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartRequiresChannelID(t *testing.T) {
	sup := New(&fakeTokens{}, nil, nil, nil)
	if err := sup.Start(context.Background(), ""); !errors.Is(err, ErrMissingChannelID) {
		t.Fatalf("err = %v, want ErrMissingChannelID", err)
	}
	if st := sup.Status(); st.State != core.StateIdle {
		t.Fatalf("state = %q after rejected start", st.State)
	}
}

func TestStartHappyPath(t *testing.T) {
	tokens := &fakeTokens{}
	sess := newFakeSession()

	var mu sync.Mutex
	var got []core.ChatMessage

	sup := New(tokens,
		func(_ *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) ChatSession {
			sess.onState = onState
			sess.handle = handle
			return sess
		},
		func(m core.ChatMessage) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
		nil,
	)

	if err := sup.Start(context.Background(), "ch1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sess.started

	waitFor(t, func() bool { return sup.Status().State == core.StateLive })

	st := sup.Status()
	if !st.Active {
		t.Fatal("status not active while live")
	}
	if st.ChatChannelID != "cc-ch1" || st.ChannelName != "tester" {
		t.Fatalf("resolved fields not surfaced: %+v", st)
	}
	if st.Server == "" || st.StartedAt == nil {
		t.Fatalf("session fields not surfaced: %+v", st)
	}

	sess.handle(core.ChatMessage{ID: "m1", Text: "hi"})
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("published %d messages, want 1", n)
	}

	sup.Stop()
}

func TestStartWhileRunningRejected(t *testing.T) {
	sess := newFakeSession()
	sup := New(&fakeTokens{},
		func(_ *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) ChatSession {
			sess.onState = onState
			sess.handle = handle
			return sess
		},
		nil, nil,
	)

	if err := sup.Start(context.Background(), "ch1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sess.started

	if err := sup.Start(context.Background(), "ch2"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	sup.Stop()
}

func TestResolveFailureLeavesIdle(t *testing.T) {
	resolveErr := errors.New("token endpoint down")
	sup := New(&fakeTokens{err: resolveErr}, nil, nil, nil)

	if err := sup.Start(context.Background(), "ch1"); !errors.Is(err, resolveErr) {
		t.Fatalf("Start err = %v, want %v", err, resolveErr)
	}
	st := sup.Status()
	if st.State != core.StateIdle {
		t.Fatalf("state = %q after failed resolve, want idle", st.State)
	}
	if st.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestDialFailureLeavesIdle(t *testing.T) {
	sess := newFakeSession()
	sess.dialErr = chzzk.ErrAllServersUnreachable

	sup := New(&fakeTokens{},
		func(_ *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) ChatSession {
			sess.onState = onState
			sess.handle = handle
			return sess
		},
		nil, nil,
	)

	if err := sup.Start(context.Background(), "ch1"); !errors.Is(err, chzzk.ErrAllServersUnreachable) {
		t.Fatalf("Start err = %v", err)
	}
	if st := sup.Status(); st.State != core.StateIdle {
		t.Fatalf("state = %q after failed dial, want idle", st.State)
	}
}

func TestUnexpectedDisconnectFailsAndNotifies(t *testing.T) {
	sess := newFakeSession()
	sess.runErr = chzzk.ErrUnexpectedClose

	notified := make(chan error, 1)
	sup := New(&fakeTokens{},
		func(_ *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) ChatSession {
			sess.onState = onState
			sess.handle = handle
			return sess
		},
		nil,
		func(err error) { notified <- err },
	)

	if err := sup.Start(context.Background(), "ch1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sess.started
	sess.end()

	select {
	case err := <-notified:
		if !errors.Is(err, chzzk.ErrUnexpectedClose) {
			t.Fatalf("notified with %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect observer never notified")
	}

	st := sup.Status()
	if st.State != core.StateFailed {
		t.Fatalf("state = %q after unexpected disconnect, want failed", st.State)
	}
	if st.Active {
		t.Fatal("status still active after disconnect")
	}
}

func TestStopSilencesOldSession(t *testing.T) {
	sess := newFakeSession()

	var mu sync.Mutex
	var got []core.ChatMessage

	sup := New(&fakeTokens{},
		func(_ *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) ChatSession {
			sess.onState = onState
			sess.handle = handle
			return sess
		},
		func(m core.ChatMessage) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
		nil,
	)

	if err := sup.Start(context.Background(), "ch1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sess.started

	sup.Stop()
	sup.Stop() // idempotent

	if !func() bool { sess.mu.Lock(); defer sess.mu.Unlock(); return sess.closed }() {
		t.Fatal("session not closed by Stop")
	}

	// A straggler callback from the old read loop must not publish.
	sess.handle(core.ChatMessage{ID: "late"})
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("published %d messages after Stop, want 0", n)
	}

	if st := sup.Status(); st.State != core.StateIdle {
		t.Fatalf("state = %q after Stop, want idle", st.State)
	}
}

func TestRestartAfterFailure(t *testing.T) {
	tokens := &fakeTokens{}

	var mu sync.Mutex
	sessions := []*fakeSession{}

	sup := New(tokens,
		func(_ *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) ChatSession {
			s := newFakeSession()
			s.onState = onState
			s.handle = handle
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
			return s
		},
		nil, nil,
	)

	if err := sup.Start(context.Background(), "ch1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mu.Lock()
	first := sessions[0]
	mu.Unlock()
	<-first.started

	first.runErr = chzzk.ErrUnexpectedClose
	first.end()
	waitFor(t, func() bool { return sup.Status().State == core.StateFailed })

	start := time.Now()
	if err := sup.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if elapsed := time.Since(start); elapsed < restartCooldown {
		t.Fatalf("restart returned after %v, cooldown is %v", elapsed, restartCooldown)
	}
	if tokens.count() != 2 {
		t.Fatalf("resolve called %d times, want 2", tokens.count())
	}

	mu.Lock()
	second := sessions[1]
	mu.Unlock()
	<-second.started
	waitFor(t, func() bool { return sup.Status().State == core.StateLive })
	sup.Stop()
}
