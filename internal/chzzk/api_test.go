package chzzk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeProvider struct {
	channelStatus int
	statusStatus  int
	tokenStatus   int
	tokenCode     int
	gotHeaders    http.Header
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		channelStatus: http.StatusOK,
		statusStatus:  http.StatusOK,
		tokenStatus:   http.StatusOK,
		tokenCode:     200,
	}
}

func (p *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/service/v1/channels/abc123", func(w http.ResponseWriter, r *http.Request) {
		p.gotHeaders = r.Header.Clone()
		w.WriteHeader(p.channelStatus)
		fmt.Fprint(w, `{"code":200,"content":{"channelName":"tester","openLive":true}}`)
	})
	mux.HandleFunc("/polling/v2/channels/abc123/live-status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(p.statusStatus)
		fmt.Fprint(w, `{"code":200,"content":{"chatChannelId":"cc1","status":"OPEN"}}`)
	})
	mux.HandleFunc("/nng_main/v1/chats/access-token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channelId") != "cc1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("chatType") != "STREAMING" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(p.tokenStatus)
		fmt.Fprintf(w, `{"code":%d,"content":{"accessToken":"tok1"}}`, p.tokenCode)
	})
	return mux
}

func TestResolveHappyPath(t *testing.T) {
	p := newFakeProvider()
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	api := NewAPI(WithBaseURLs(srv.URL, srv.URL))
	sess, err := api.Resolve(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sess.ChatChannelID != "cc1" || sess.AccessToken != "tok1" {
		t.Fatalf("session = %+v", sess)
	}
	if !sess.Live || sess.ChannelName != "tester" {
		t.Fatalf("session = %+v", sess)
	}
	if ua := p.gotHeaders.Get("User-Agent"); ua == "" || ua == "Go-http-client/1.1" {
		t.Fatalf("browser UA not sent, got %q", ua)
	}
	if p.gotHeaders.Get("Origin") != "https://chzzk.naver.com" {
		t.Fatalf("origin header = %q", p.gotHeaders.Get("Origin"))
	}
}

func TestResolveChannelInfoFailure(t *testing.T) {
	p := newFakeProvider()
	p.channelStatus = http.StatusNotFound
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	api := NewAPI(WithBaseURLs(srv.URL, srv.URL))
	_, err := api.Resolve(context.Background(), "abc123")
	if !errors.Is(err, ErrChannelInfoUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveLiveStatusFailure(t *testing.T) {
	p := newFakeProvider()
	p.statusStatus = http.StatusInternalServerError
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	api := NewAPI(WithBaseURLs(srv.URL, srv.URL))
	_, err := api.Resolve(context.Background(), "abc123")
	if !errors.Is(err, ErrLiveStatusUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveTokenEnvelopeFailure(t *testing.T) {
	p := newFakeProvider()
	p.tokenCode = 42 // HTTP 200 but provider-level failure
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	api := NewAPI(WithBaseURLs(srv.URL, srv.URL))
	_, err := api.Resolve(context.Background(), "abc123")
	if !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	api := NewAPI(WithBaseURLs(srv.URL, srv.URL))
	_, err := api.Resolve(context.Background(), "abc123")
	if !errors.Is(err, ErrChannelInfoUnavailable) {
		t.Fatalf("err = %v", err)
	}
}
