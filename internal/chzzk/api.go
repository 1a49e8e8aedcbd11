package chzzk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Typed reasons for a failed token acquisition. The supervisor surfaces these
// to the start() caller; none of them are retried here.
var (
	ErrChannelInfoUnavailable = errors.New("chzzk: channel info unavailable")
	ErrLiveStatusUnavailable  = errors.New("chzzk: live status unavailable")
	ErrTokenUnavailable       = errors.New("chzzk: access token unavailable")
)

// Session holds the artifacts resolved for one connection attempt. Tokens are
// short-lived and re-fetched per attempt; nothing here outlives a reconnect.
type Session struct {
	ChannelID     string
	ChannelName   string
	Live          bool
	ChatChannelID string
	AccessToken   string
}

// API performs the three provider REST calls that precede a chat connection.
type API struct {
	http       *http.Client
	serviceURL string
	pollingURL string
	commURL    string
}

const (
	defaultServiceURL = "https://api.chzzk.naver.com"
	defaultCommURL    = "https://comm-api.game.naver.com"

	// The provider rejects non-browser clients; these values are a
	// compatibility requirement, not a choice.
	browserUA     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	browserOrigin = "https://chzzk.naver.com"
)

type APIOption func(*API)

// WithBaseURLs overrides the provider endpoints, for tests.
func WithBaseURLs(service, comm string) APIOption {
	return func(a *API) {
		a.serviceURL = strings.TrimRight(service, "/")
		a.pollingURL = strings.TrimRight(service, "/")
		a.commURL = strings.TrimRight(comm, "/")
	}
}

func NewAPI(opts ...APIOption) *API {
	a := &API{
		http:       &http.Client{Timeout: 10 * time.Second},
		serviceURL: defaultServiceURL,
		pollingURL: defaultServiceURL,
		commURL:    defaultCommURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolve runs the three acquisition steps in order: channel info, live
// status (which yields the chat channel id), then the access token. Failure
// of any step aborts the whole acquisition with its typed reason.
func (a *API) Resolve(ctx context.Context, channelID string) (*Session, error) {
	sess := &Session{ChannelID: channelID}

	info, err := a.getJSON(ctx, fmt.Sprintf("%s/service/v1/channels/%s", a.serviceURL, url.PathEscape(channelID)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelInfoUnavailable, err)
	}
	sess.ChannelName, _ = info["channelName"].(string)

	status, err := a.getJSON(ctx, fmt.Sprintf("%s/polling/v2/channels/%s/live-status", a.pollingURL, url.PathEscape(channelID)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLiveStatusUnavailable, err)
	}
	chatChannelID, _ := status["chatChannelId"].(string)
	if chatChannelID == "" {
		return nil, fmt.Errorf("%w: no chatChannelId in live status", ErrLiveStatusUnavailable)
	}
	sess.ChatChannelID = chatChannelID
	if s, ok := status["status"].(string); ok {
		sess.Live = strings.EqualFold(s, "OPEN")
	}

	tok, err := a.getJSON(ctx, fmt.Sprintf("%s/nng_main/v1/chats/access-token?channelId=%s&chatType=STREAMING", a.commURL, url.QueryEscape(chatChannelID)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	accessToken, _ := tok["accessToken"].(string)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: no accessToken in response", ErrTokenUnavailable)
	}
	sess.AccessToken = accessToken

	return sess, nil
}

// getJSON fetches one provider endpoint and unwraps the {code, content}
// envelope. Anything other than HTTP 200 with code 200 is a failure.
func (a *API) getJSON(ctx context.Context, rawURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", browserOrigin+"/")
	req.Header.Set("Origin", browserOrigin)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return nil, fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Content map[string]any `json:"content"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != retCodeOK {
		return nil, fmt.Errorf("provider code %d: %s", envelope.Code, envelope.Message)
	}
	if envelope.Content == nil {
		return nil, errors.New("empty content")
	}
	return envelope.Content, nil
}
