// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/aiku/telegram-mentionbot/pkg/registry"
)

// shutdownTimeout bounds draining the workers and the HTTP server.
const shutdownTimeout = 10 * time.Second

// MentionBot wires the Telegram client, the registry and the polling
// supervisor together, and serves the health and admin HTTP API.
type MentionBot struct {
	Config     *Config
	Log        zerolog.Logger
	API        ChatAPI
	Transport  *Transport
	Registry   *registry.Registry
	Mentions   *MentionBuilder
	Supervisor *Supervisor

	probe      *ConnectivityProbe
	dispatcher *Dispatcher
	server     *http.Server

	selfMu sync.RWMutex
	self   Member

	startedAt time.Time
	now       func() time.Time
}

// NewMentionBot creates the bot. cfg must have been post-processed.
func NewMentionBot(cfg *Config, api ChatAPI, reg *registry.Registry, log zerolog.Logger) *MentionBot {
	b := &MentionBot{
		Config:   cfg,
		Log:      log,
		API:      api,
		Registry: reg,
		now:      time.Now,
	}
	b.Transport = NewTransport(api, log)
	b.Mentions = NewMentionBuilder(api, b.Transport, reg, log)
	b.Mentions.Displayname = cfg.MemberDisplayname
	b.probe = NewConnectivityProbe(
		cfg.Telegram.ConnectivityDialAddress,
		seconds(cfg.Telegram.ConnectivityTimeout),
		api,
	)
	b.Supervisor = NewSupervisor(
		cfg.Supervisor.SupervisorConfig(),
		api,
		b.Transport,
		b.checkConnectivity,
		b.enqueue,
		log,
	)
	return b
}

// Self returns the bot account seen by the last connectivity check.
func (b *MentionBot) Self() Member {
	b.selfMu.RLock()
	defer b.selfMu.RUnlock()
	return b.self
}

func (b *MentionBot) checkConnectivity(ctx context.Context) error {
	self, err := b.probe.Check(ctx)
	if err != nil {
		return err
	}
	b.selfMu.Lock()
	b.self = self
	b.selfMu.Unlock()
	b.Log.Info().Int64("bot_id", self.UserID).Str("username", self.Username).Msg("Connected to Telegram")
	return nil
}

// Start loads the registry and starts the workers and the HTTP API. Run
// starts polling.
func (b *MentionBot) Start(ctx context.Context) error {
	loaded, err := b.Registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	b.Log.Info().Int("registered", loaded).Msg("Loaded registered users")

	b.startedAt = b.now()
	b.dispatcher = NewDispatcher(ctx, b.Config.Dispatcher, b.handleUpdate, b.Log)

	if addr := b.Config.ListenAddr; addr != "" {
		b.server = &http.Server{
			Addr:         addr,
			Handler:      b.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			b.Log.Info().Str("addr", addr).Msg("Starting HTTP API")
			if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Log.Error().Err(err).Msg("HTTP API error")
			}
		}()
	}
	return nil
}

// Run polls until ctx is cancelled, Stop is called or the supervisor gives
// up, then drains the workers and stops the HTTP API.
func (b *MentionBot) Run(ctx context.Context) error {
	err := b.Supervisor.Run(ctx)
	b.shutdown()
	return err
}

// Stop asks Run to return.
func (b *MentionBot) Stop() {
	b.Supervisor.Stop()
}

func (b *MentionBot) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if b.dispatcher != nil {
		b.dispatcher.Shutdown(ctx)
	}
	if b.server != nil {
		if err := b.server.Shutdown(ctx); err != nil {
			b.Log.Warn().Err(err).Msg("Failed to stop HTTP API cleanly")
		}
	}
	b.Log.Info().Msg("Bot stopped")
}

// enqueue hands a polled update to the workers.
func (b *MentionBot) enqueue(update tgbotapi.Update) {
	if err := b.dispatcher.Enqueue(update); err != nil {
		b.Log.Warn().Err(err).Int("update_id", update.UpdateID).Msg("Dropping update")
	}
}

// Router returns the HTTP API handler.
func (b *MentionBot) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(hlog.NewHandler(b.Log.With().Str("component", "http").Logger()))
	r.Use(hlog.RemoteAddrHandler("remote_addr"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	}))
	r.Get("/", b.HandleRoot)
	r.Get("/health", b.HandleHealth)
	r.Post("/api/reload-registry", b.HandleReloadRegistry)
	return r
}

// HandleRoot answers hosting platforms that probe the service.
func (b *MentionBot) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Mention bot is running\n")
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	Registered    int    `json:"registered"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HandleHealth reports the supervisor state. It answers 503 once polling
// has terminated.
func (b *MentionBot) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := b.Supervisor.State()
	resp := HealthStatus{
		Status:     "ok",
		State:      state.String(),
		Registered: b.Registry.Count(),
	}
	if !b.startedAt.IsZero() {
		resp.UptimeSeconds = int64(b.now().Sub(b.startedAt) / time.Second)
	}
	code := http.StatusOK
	if state == StateTerminated {
		resp.Status = "terminated"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to write health response")
	}
}

// maxReloadBodySize is the maximum allowed request body for registry reload (1 MB).
const maxReloadBodySize = 1 << 20

// HandleReloadRegistry is an HTTP handler for POST /api/reload-registry. It
// reloads the in-memory registry from the store, picking up rows written by
// another process or restored from a backup. The request body is ignored.
func (b *MentionBot) HandleReloadRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	b.Log.Info().Str("remote_addr", r.RemoteAddr).Msg("Registry reload requested")
	loaded, err := b.Registry.Load(r.Context())
	if err != nil {
		b.Log.Error().Err(err).Msg("Registry reload failed")
		http.Error(w, "failed to reload registry", http.StatusInternalServerError)
		return
	}

	resp := map[string]int{
		"loaded": loaded,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to write reload response")
	}
}
