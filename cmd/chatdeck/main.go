package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/you/chzzk-deck/internal/chzzk"
	"github.com/you/chzzk-deck/internal/config"
	"github.com/you/chzzk-deck/internal/core"
	"github.com/you/chzzk-deck/internal/httpapi"
	"github.com/you/chzzk-deck/internal/settings"
	"github.com/you/chzzk-deck/internal/sink"
	"github.com/you/chzzk-deck/internal/stream"
	"github.com/you/chzzk-deck/internal/supervisor"
	"github.com/you/chzzk-deck/internal/version"
)

func main() {
	var (
		versionFlag  bool
		debugFlag    bool
		httpAddr     string
		channelID    string
		sqlitePath   string
		settingsPath string
		corsOrigins  string
		autostart    bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (e.g., :8002)")
	flag.StringVar(&channelID, "channel", "", "CHZZK channel id to harvest")
	flag.StringVar(&sqlitePath, "sqlite", "", "Path to the recent-message SQLite file")
	flag.StringVar(&settingsPath, "settings", "", "Path to the overlay settings file")
	flag.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.BoolVar(&autostart, "autostart", false, "Start the chat session immediately")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"chatdeck version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if debugFlag {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load(os.Getenv)
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["channel"] {
		cfg.Chat.ChannelID = strings.TrimSpace(channelID)
	}
	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(sqlitePath)
	}
	if overrides["settings"] {
		cfg.Settings.Path = strings.TrimSpace(settingsPath)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(corsOrigins, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, o)
			}
		}
	}
	if overrides["autostart"] {
		cfg.Chat.Autostart = autostart
	}

	slog.Info("configuration loaded", "config", string(cfg.RedactedJSON()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	settingsStore, err := settings.NewStore(cfg.Settings.Path)
	if err != nil {
		slog.Error("open settings", "path", cfg.Settings.Path, "err", err)
		os.Exit(1)
	}
	current := settingsStore.Current()
	if cfg.Chat.ChannelID != "" && current.ChannelID == "" {
		current.ChannelID = cfg.Chat.ChannelID
		if err := settingsStore.Save(current); err != nil {
			slog.Warn("seed settings file", "err", err)
		}
	}

	maxMessages := current.MaxMessages
	if cfg.Chat.MaxMessages != settings.DefaultMaxMessages {
		// An explicit env value wins over the file until the next save.
		maxMessages = cfg.Chat.MaxMessages
	}

	hub := stream.NewHub(maxMessages)

	store, err := sink.OpenRecentStore(cfg.Store.SQLitePath, maxMessages)
	if err != nil {
		slog.Error("open sqlite store", "path", cfg.Store.SQLitePath, "err", err)
		os.Exit(1)
	}
	if err := store.Ping(); err != nil {
		slog.Error("ping sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("close store", "err", err)
		}
	}()

	if recent, err := store.LoadRecent(ctx, maxMessages); err != nil {
		slog.Warn("load recent messages", "err", err)
	} else if len(recent) > 0 {
		hub.Preload(recent)
		slog.Info("recent messages restored", "count", len(recent))
	}

	var writer sink.Writer = store
	var buffered *sink.BufferedWriter
	if cfg.Store.BatchSize > 1 || cfg.FlushInterval() > 0 {
		buffered = sink.NewBufferedWriter(store, sink.BufferedOptions{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: cfg.FlushInterval(),
		})
		writer = buffered
	}
	if buffered != nil {
		defer func() {
			if err := buffered.Close(); err != nil {
				slog.Warn("flush buffered store", "err", err)
			}
		}()
	}

	api := chzzk.NewAPI()
	factory := func(sess *chzzk.Session, onState func(core.ConnState), handle chzzk.Handler) supervisor.ChatSession {
		return chzzk.NewClient(chzzk.ClientConfig{
			ChatChannelID:  sess.ChatChannelID,
			AccessToken:    sess.AccessToken,
			Servers:        chzzk.CandidateServers(cfg.Chat.ServerCount),
			ConnectTimeout: cfg.Chat.ConnectTimeout,
			OnState:        onState,
		}, handle)
	}

	var server *httpapi.Server

	publish := func(msg core.ChatMessage) {
		hub.Publish(msg)
		if err := writer.Write(msg); err != nil {
			slog.Warn("persist message", "err", err)
			server.ReportStoreError()
		}
	}

	sup := supervisor.New(api, factory, publish, func(err error) {
		slog.Error("chat session lost", "err", err)
	})

	var applyMu sync.Mutex
	lastChannel := settingsStore.Current().ChannelID
	applySettings := func(s settings.Settings) {
		applyMu.Lock()
		channelChanged := s.ChannelID != lastChannel
		lastChannel = s.ChannelID
		applyMu.Unlock()

		hub.Resize(s.MaxMessages)
		store.SetCapacity(s.MaxMessages)
		if channelChanged {
			// Buffered context from the previous channel must not replay
			// into the new one.
			hub.Reset()
		}
		slog.Info("settings applied",
			"max_messages", s.MaxMessages,
			"fade_time", s.FadeTime,
			"channel_changed", channelChanged,
		)
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := settingsStore.Watch(applySettings, stopWatch); err != nil {
		slog.Warn("watch settings file", "path", settingsStore.Path(), "err", err)
	}

	server = httpapi.New(hub, sup, settingsStore, store, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateLimitRPS:   cfg.HTTP.RateRPS,
		RateLimitBurst: cfg.HTTP.RateBurst,
		EnableMetrics:  cfg.HTTP.Metrics,
		AccessLog:      cfg.HTTP.AccessLog,
		ApplySettings:  applySettings,
	})
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("http api", "err", err)
			cancel()
		}
	}()

	if cfg.Chat.Autostart {
		channel := settingsStore.Current().ChannelID
		if channel == "" {
			channel = cfg.Chat.ChannelID
		}
		if channel == "" {
			slog.Warn("autostart requested but no channel id configured")
		} else if err := sup.Start(ctx, channel); err != nil {
			slog.Error("autostart chat session", "channel_id", channel, "err", err)
		}
	}

	<-ctx.Done()

	sup.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http api shutdown", "err", err)
	}
	cancelShutdown()

	slog.Info("shutdown complete")
}
