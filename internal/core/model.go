package core

import "time"

// ChatMessage is the canonical record published to subscribers and written to
// the recent-window store. JSON field names match the overlay's SSE payload.
type ChatMessage struct {
	ID        string    `json:"id"`
	Kind      string    `json:"type"` // "chat" | "donation"
	Ts        time.Time `json:"timestamp"`
	Author    string    `json:"nickname"`
	Text      string    `json:"message"`
	Badges    []string  `json:"badges,omitempty"`
	Emotes    []Emote   `json:"emotes,omitempty"`
	Role      string    `json:"userRole,omitempty"`
	Streamer  bool      `json:"isStreamer,omitempty"`
	Verified  bool      `json:"verified,omitempty"`
	AvatarURL string    `json:"profileImage,omitempty"`
	PayAmount int64     `json:"amount,omitempty"` // donations only, KRW
}

// Emote maps a placeholder token inside Text to its image resource. The core
// never substitutes tokens; the presentation layer does.
type Emote struct {
	Token string `json:"token"`
	URL   string `json:"resourceUrl"`
}

const (
	KindChat     = "chat"
	KindDonation = "donation"
)

// AnonymousAuthor is used when the upstream profile carries no nickname.
const AnonymousAuthor = "anonymous"

// ConnState is the lifecycle state of a chat session.
type ConnState string

const (
	StateIdle           ConnState = "idle"
	StateResolving      ConnState = "resolving"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateLive           ConnState = "live"
	StateClosing        ConnState = "closing"
	StateFailed         ConnState = "failed"
)
