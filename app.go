package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"automation/internal/config"
	"automation/internal/engine"
	httpapi "automation/internal/http"
	"automation/internal/logging"
	"automation/internal/messagestore"
	"automation/internal/push"
	"automation/internal/scheduler"
	"automation/internal/sender"
	"automation/internal/storage"
	"automation/internal/telemetry"
	"automation/internal/wa"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *storage.Store
	messages *messagestore.Store
	uploader *telemetry.Uploader
	pushes   *push.Dispatcher
	hub      *httpapi.Hub
	engine   *engine.Engine
	whatsapp *wa.Manager
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	store, err := storage.Open(cfg.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		messages: messagestore.Open(cfg.DataDir, logging.Component(log, "messagestore")),
		hub:      httpapi.NewHub(logging.Component(log, "inapp")),
	}

	client := sender.New(cfg.APIBaseURL, cfg.APIToken, cfg.APITimeout, logging.Component(log, "sender"))
	a.uploader = telemetry.NewUploader(store, client, cfg.TelemetryInterval, cfg.TelemetryMaxBackoff, logging.Component(log, "telemetry"))

	deliverer, err := a.pushBackend(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.pushes = push.New(store, deliverer, logging.Component(log, "push"))

	a.engine = engine.New(a.messages, scheduler.NewTimers(), a.hub, a.pushes, store,
		engine.Options{IgnoreShownInApp: cfg.IgnoreShownInApp}, logging.Component(log, "engine"))
	return a, nil
}

func (a *app) pushBackend(ctx context.Context) (push.Deliverer, error) {
	switch a.cfg.PushBackend {
	case "whatsapp":
		m, err := wa.NewManager(ctx, a.cfg.WhatsAppDSN, logging.Component(a.log, "whatsapp"))
		if err != nil {
			return nil, err
		}
		a.whatsapp = m
		if err := m.ConnectIfPaired(ctx); err != nil {
			if !errors.Is(err, wa.ErrNotPaired) {
				return nil, err
			}
			a.log.Warn().Msg("whatsapp device not paired, pair via /api/whatsapp/pair/qr")
		}
		return &wa.Deliverer{Manager: m, To: a.cfg.WhatsAppTo}, nil
	case "", "log":
		return push.LogDeliverer{Log: logging.Component(a.log, "push")}, nil
	default:
		return nil, errors.New("unknown push backend: " + a.cfg.PushBackend)
	}
}

func (a *app) Close() {
	if a.whatsapp != nil {
		a.whatsapp.Disconnect()
	}
	_ = a.store.Close()
}
