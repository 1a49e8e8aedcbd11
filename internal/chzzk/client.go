package chzzk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/chzzk-deck/internal/core"
)

var (
	// ErrAllServersUnreachable is returned when every candidate endpoint
	// failed to accept a connection within its timeout.
	ErrAllServersUnreachable = errors.New("chzzk: all chat servers unreachable")

	// ErrAuthRejected is returned when the server answers the session auth
	// frame with a non-OK retCode.
	ErrAuthRejected = errors.New("chzzk: chat authentication rejected")

	// ErrUnexpectedClose is returned by Run when the socket closes while the
	// session was expected to stay live.
	ErrUnexpectedClose = errors.New("chzzk: connection closed unexpectedly")
)

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultAttemptDelay      = 100 * time.Millisecond
	defaultHeartbeatInterval = 20 * time.Second
	writeTimeout             = 10 * time.Second
	maxFrameSize             = 1 << 20
)

// CandidateServers returns the ordered chat endpoint list. The fleet is
// sharded across interchangeable kr-ss hosts with no advertised routing;
// linear probing is the only available failover strategy.
func CandidateServers(n int) []string {
	if n <= 0 {
		n = 10
	}
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("wss://kr-ss%d.chat.naver.com/chat", i))
	}
	return out
}

// Handler receives each normalized message, in socket order.
type Handler func(core.ChatMessage)

type ClientConfig struct {
	ChatChannelID string
	AccessToken   string

	// Servers are tried top to bottom on every Dial; there is no memory of
	// which candidate worked last time.
	Servers []string

	ConnectTimeout    time.Duration
	AttemptDelay      time.Duration
	HeartbeatInterval time.Duration

	// OnState is invoked on session state transitions (authenticating, live,
	// closing). Optional.
	OnState func(core.ConnState)
}

// Client owns one chat WebSocket session: candidate negotiation, the session
// auth handshake, heartbeats, and frame dispatch.
type Client struct {
	cfg    ClientConfig
	handle Handler

	mu       sync.Mutex
	conn     *websocket.Conn
	server   string
	stopping bool
}

func NewClient(cfg ClientConfig, h Handler) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.AttemptDelay <= 0 {
		cfg.AttemptDelay = defaultAttemptDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = CandidateServers(0)
	}
	return &Client{cfg: cfg, handle: h}
}

// Dial attempts each candidate server in order with a per-attempt timeout and
// a short delay between attempts. On success the session auth frame has been
// sent and the client is waiting for the auth ack.
func (c *Client) Dial(ctx context.Context) error {
	if c.cfg.ChatChannelID == "" || c.cfg.AccessToken == "" {
		return errors.New("chzzk: chat channel id and access token are required")
	}

	header := http.Header{}
	header.Set("User-Agent", browserUA)
	header.Set("Origin", browserOrigin)

	query := url.Values{}
	query.Set("channelId", c.cfg.ChatChannelID)
	query.Set("accessToken", c.cfg.AccessToken)

	for i, server := range c.cfg.Servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		endpoint := server + "?" + query.Encode()
		slog.Debug("chzzk: connecting", "server", i+1, "of", len(c.cfg.Servers))

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		conn, _, err := websocket.Dial(attemptCtx, endpoint, &websocket.DialOptions{HTTPHeader: header})
		cancel()
		if err != nil {
			slog.Warn("chzzk: candidate failed", "server", i+1, "err", err)
			if !c.pauseBeforeNext(ctx, i) {
				return ctx.Err()
			}
			continue
		}

		conn.SetReadLimit(maxFrameSize)

		if err := c.authenticate(ctx, conn); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "auth send failed")
			slog.Warn("chzzk: auth send failed", "server", i+1, "err", err)
			if !c.pauseBeforeNext(ctx, i) {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.server = server
		c.stopping = false
		c.mu.Unlock()

		slog.Info("chzzk: connected", "server", server)
		return nil
	}

	return ErrAllServersUnreachable
}

// pauseBeforeNext applies the inter-attempt delay after candidate i failed,
// whatever the failure was. Returns false if ctx ended during the pause.
func (c *Client) pauseBeforeNext(ctx context.Context, i int) bool {
	if i >= len(c.cfg.Servers)-1 {
		return ctx.Err() == nil
	}
	return sleepContext(ctx, c.cfg.AttemptDelay)
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	data, err := encodeAuthFrame(c.cfg.ChatChannelID, c.cfg.AccessToken)
	if err != nil {
		return err
	}
	c.setState(core.StateAuthenticating)
	return writeFrame(ctx, conn, data)
}

// Run processes inbound frames until the socket closes or ctx is cancelled.
// It must be called after a successful Dial. A close requested through Close
// or ctx returns nil; anything else returns ErrUnexpectedClose.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("chzzk: not connected")
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.setState(core.StateClosing)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Only a close this client asked for is clean. A close code 1000
			// sent by the server mid-session still took down a session that
			// was supposed to stay live.
			if c.isStopping() {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrUnexpectedClose, err)
		}

		if err := c.dispatch(ctx, conn, data); err != nil {
			// Only auth rejection terminates the session from dispatch.
			_ = conn.Close(websocket.StatusPolicyViolation, "auth rejected")
			return err
		}
	}
}

// dispatch routes one inbound frame by command code. Unknown commands are
// ignored for forward compatibility; malformed frames are logged and skipped.
func (c *Client) dispatch(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ingestMetrics.incFramesSeen()

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		ingestMetrics.incParseErrors()
		slog.Warn("chzzk: malformed frame", "err", err)
		return nil
	}

	switch f.Cmd {
	case cmdPing:
		// Server keepalive request; answer right away, not on the timer.
		if err := writeFrame(ctx, conn, encodeKeepaliveAck()); err != nil {
			slog.Warn("chzzk: keepalive ack failed", "err", err)
		}
	case cmdPong:
		if f.RetCode != nil {
			if *f.RetCode != retCodeOK {
				return fmt.Errorf("%w: retCode %d: %s", ErrAuthRejected, *f.RetCode, f.RetMsg)
			}
			c.setState(core.StateLive)
		}
	case cmdConnected:
		c.setState(core.StateLive)
	case cmdChat:
		c.handleBatch(f.Body, core.KindChat)
	case cmdDonation:
		c.handleBatch(f.Body, core.KindDonation)
	default:
	}
	return nil
}

func (c *Client) handleBatch(body json.RawMessage, kind string) {
	entries, err := splitBatch(body)
	if err != nil {
		ingestMetrics.incParseErrors()
		slog.Warn("chzzk: malformed batch body", "err", err)
		return
	}
	for _, raw := range entries {
		msg, ok := normalizeEntry(raw, kind)
		if !ok {
			ingestMetrics.incDroppedEmpty()
			continue
		}
		ingestMetrics.incPublished()
		if c.handle != nil {
			c.handle(msg)
		}
	}
}

// heartbeatLoop emits the client heartbeat on a fixed interval for the whole
// time the socket is expected open.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeFrame(ctx, conn, encodeHeartbeat()); err != nil {
				slog.Debug("chzzk: heartbeat stopped", "err", err)
				return
			}
		}
	}
}

// Close requests a clean shutdown of the socket. Safe to call more than once
// and without a live connection.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.stopping = true
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client stop")
	}
}

func (c *Client) Server() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *Client) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Client) setState(s core.ConnState) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
