package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Config carries process-level settings sourced from CHATDECK_* environment
// variables. Overlay-facing settings (channel id, buffer size, fade time) live
// in the settings file; env values act as fallbacks for them.
type Config struct {
	HTTP     HTTPConfig
	Store    StoreConfig
	Chat     ChatConfig
	Settings SettingsConfig
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	AccessLog   bool
	Metrics     bool
}

type StoreConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type ChatConfig struct {
	ChannelID      string
	MaxMessages    int
	ServerCount    int
	ConnectTimeout time.Duration
	Autostart      bool
}

type SettingsConfig struct {
	Path string
}

const (
	defaultHTTPAddr       = ":8002"
	defaultSQLitePath     = "chatdeck.db"
	defaultSettingsPath   = "chatdeck.settings.json"
	defaultMaxMessages    = 50
	defaultServerCount    = 10
	defaultConnectTimeout = 5 * time.Second
	defaultBatchSize      = 1
	defaultFlushMS        = 0
	defaultRateRPS        = 20
	defaultRateBurst      = 40
)

// Env resolves one environment variable; use os.Getenv in production, a map
// lookup in tests.
type Env func(string) string

func Load(getenv Env) Config {
	cfg := Config{}

	cfg.HTTP.Addr = readString(getenv, "CHATDECK_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.CORSOrigins = splitList(getenv("CHATDECK_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt(getenv, "CHATDECK_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt(getenv, "CHATDECK_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.AccessLog = readBool(getenv, "CHATDECK_HTTP_ACCESS_LOG", true)
	cfg.HTTP.Metrics = readBool(getenv, "CHATDECK_HTTP_METRICS", true)

	cfg.Store.SQLitePath = readString(getenv, "CHATDECK_SQLITE_PATH", defaultSQLitePath)
	cfg.Store.BatchSize = readInt(getenv, "CHATDECK_STORE_BATCH_SIZE", defaultBatchSize)
	cfg.Store.FlushMaxMS = readInt(getenv, "CHATDECK_STORE_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Chat.ChannelID = strings.TrimSpace(getenv("CHATDECK_CHANNEL_ID"))
	cfg.Chat.MaxMessages = readInt(getenv, "CHATDECK_MAX_MESSAGES", defaultMaxMessages)
	cfg.Chat.ServerCount = readInt(getenv, "CHATDECK_CHAT_SERVERS", defaultServerCount)
	cfg.Chat.ConnectTimeout = time.Duration(readInt(getenv, "CHATDECK_CONNECT_TIMEOUT_MS", int(defaultConnectTimeout/time.Millisecond))) * time.Millisecond
	cfg.Chat.Autostart = readBool(getenv, "CHATDECK_AUTOSTART", false)

	cfg.Settings.Path = readString(getenv, "CHATDECK_SETTINGS_PATH", defaultSettingsPath)

	return cfg
}

func (c Config) FlushInterval() time.Duration {
	if c.Store.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Store.FlushMaxMS) * time.Millisecond
}

// Redacted returns a loggable view of the configuration. The channel id is the
// only value close to sensitive here, but keep the shape uniform regardless.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"access_log":   c.HTTP.AccessLog,
			"metrics":      c.HTTP.Metrics,
		},
		"store": map[string]any{
			"sqlite_path": c.Store.SQLitePath,
			"batch_size":  c.Store.BatchSize,
			"flush_ms":    c.Store.FlushMaxMS,
		},
		"chat": map[string]any{
			"channel_id":         redactString(c.Chat.ChannelID),
			"max_messages":       c.Chat.MaxMessages,
			"servers":            c.Chat.ServerCount,
			"connect_timeout_ms": int(c.Chat.ConnectTimeout / time.Millisecond),
			"autostart":          c.Chat.Autostart,
		},
		"settings": map[string]any{
			"path": c.Settings.Path,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func readString(getenv Env, name, def string) string {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func readInt(getenv Env, name string, def int) int {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func readBool(getenv Env, name string, def bool) bool {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
