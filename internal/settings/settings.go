package settings

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Settings holds the overlay-facing knobs persisted in the settings file.
// FadeTime governs how long the presentation layer keeps a message on screen
// (0 disables fading); the core only stores and reports it.
type Settings struct {
	ChannelID   string `json:"channelId"`
	MaxMessages int    `json:"maxMessages"`
	FadeTime    int    `json:"fadeTime"`
}

const DefaultMaxMessages = 50

func Defaults() Settings {
	return Settings{MaxMessages: DefaultMaxMessages}
}

func (s Settings) normalized() Settings {
	s.ChannelID = strings.TrimSpace(s.ChannelID)
	if s.MaxMessages <= 0 {
		s.MaxMessages = DefaultMaxMessages
	}
	if s.FadeTime < 0 {
		s.FadeTime = 0
	}
	return s
}

// Store is a file-backed settings source. Reads are served from memory;
// Save writes through to disk. A missing file yields defaults.
type Store struct {
	path string

	mu      sync.Mutex
	current Settings
}

func NewStore(path string) (*Store, error) {
	st := &Store{path: path, current: Defaults()}
	loaded, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if loaded != nil {
		st.current = loaded.normalized()
	}
	return st, nil
}

func readFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read settings")
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parse settings")
	}
	return &s, nil
}

func (st *Store) Current() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Save persists the given settings and makes them current.
func (st *Store) Save(s Settings) error {
	s = s.normalized()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}
	if err := os.WriteFile(st.path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(err, "write settings")
	}

	st.mu.Lock()
	st.current = s
	st.mu.Unlock()
	return nil
}

// Reload re-reads the file and reports whether the settings changed. Used by
// the file watcher; a vanished or unparsable file keeps the last good values.
func (st *Store) Reload() (Settings, bool, error) {
	loaded, err := readFile(st.path)
	if err != nil {
		return st.Current(), false, err
	}
	if loaded == nil {
		return st.Current(), false, nil
	}
	next := loaded.normalized()

	st.mu.Lock()
	changed := next != st.current
	st.current = next
	st.mu.Unlock()
	return next, changed, nil
}

func (st *Store) Path() string { return st.path }
