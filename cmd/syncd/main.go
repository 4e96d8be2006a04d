package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"happy-sync/internal/api"
	"happy-sync/internal/auth"
	"happy-sync/internal/config"
	"happy-sync/internal/crypto"
	"happy-sync/internal/health"
	"happy-sync/internal/kv"
	"happy-sync/internal/localapi"
	"happy-sync/internal/queue"
	"happy-sync/internal/settings"
	"happy-sync/internal/store"
	"happy-sync/internal/sync"
	"happy-sync/internal/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)
	gin.SetMode(cfg.GinMode)

	cred, err := auth.LoadCredential(cfg.CredentialFile)
	if errors.Is(err, auth.ErrMissingCredential) {
		cred, err = auth.NewCredential()
		if err == nil {
			err = auth.SaveCredential(cfg.CredentialFile, cred)
		}
	}
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if cred.Token == "" {
		return errors.New("credential has no token; pair this device first")
	}
	claims, err := auth.ReadClaims(cred.Token)
	if err != nil {
		return fmt.Errorf("stored token: %w", err)
	}
	if auth.TokenExpired(claims, time.Now()) {
		return errors.New("stored token is expired; pair this device again")
	}
	log.Info("starting", "account", claims.UserID)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return err
	}
	kvStore, err := kv.Open(cfg.StateDir + "/state.db")
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer kvStore.Close()

	mirror, err := kv.LoadSessionStateMirror(kvStore, log)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}

	plain, err := crypto.NewPlainCache(64 << 20)
	if err != nil {
		return err
	}
	defer plain.Close()

	st := store.New()
	rest := api.NewClient(cfg.ServerURL, cred.Token, log)
	settingsSync := settings.New(st, kvStore, rest, log)

	q := queue.New(log)
	q.SetMaxQueueSize(cfg.MaxQueueSize)
	q.SetMaxOfflineTime(cfg.MaxOfflineTime)

	var accountKey *crypto.SecretKey
	if cred.SecretKeyB64 != "" {
		accountKey, err = crypto.DecodeSecretKey(cred.SecretKeyB64)
		if err != nil {
			return fmt.Errorf("account secret key: %w", err)
		}
	}

	engine := sync.NewEngine(sync.Deps{
		Log:      log,
		Store:    st,
		Keys:     crypto.NewKeyCache(accountKey),
		Plain:    plain,
		BoxPub:   cred.BoxPublic,
		BoxPriv:  cred.BoxPrivate,
		Mirror:   mirror,
		KV:       kvStore,
		Queue:    q,
		Settings: settingsSync,
		Rest:     rest,
	})
	defer engine.Close()

	sm := health.NewStateMachine(func() int64 { return time.Now().UnixMilli() })
	var monitor *health.Monitor

	socket := transport.NewClient(transport.Config{
		ServerURL: cfg.ServerURL,
		Token:     cred.Token,
		Log:       log,
	}, transport.Handlers{
		OnUpdate:    engine.HandleEnvelope,
		OnEphemeral: engine.HandleEphemeral,
		OnStatus: func(s transport.Status) {
			monitor.HandleStatus(connEvent(s))
			if s == transport.StatusConnect || s == transport.StatusReconnected {
				go q.ProcessQueue()
			}
		},
	})
	engine.SetEmitter(socket)

	monitor = health.NewMonitor(socket, sm, log)
	if cfg.HeartbeatProfile != "" {
		if p, ok := health.ProfileByName(cfg.HeartbeatProfile); ok {
			monitor.LockProfile(p)
		} else {
			log.Warn("unknown heartbeat profile, using adaptive", "name", cfg.HeartbeatProfile)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go socket.Run(ctx)
	go monitor.Run(ctx)

	bootCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err = engine.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		log.Warn("bootstrap incomplete, will rely on live updates", "err", err)
	}

	router := localapi.NewRouter(localapi.Deps{
		Log:      log,
		Engine:   engine,
		Store:    st,
		Queue:    q,
		Settings: settingsSync,
		Health:   monitor,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func connEvent(s transport.Status) health.ConnEvent {
	switch s {
	case transport.StatusConnect:
		return health.EventConnect
	case transport.StatusReconnected:
		return health.EventReconnected
	case transport.StatusFailure:
		return health.EventFailure
	default:
		return health.EventDisconnect
	}
}
