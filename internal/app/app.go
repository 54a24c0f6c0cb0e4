// Package app wires the synchronization core's pieces — keyring, offline
// store, outbox engine, optimistic controller, and reducer — into a running
// process, the way internal/app does for the teacher's own services.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fieldrelay/syncore/internal/apiclient"
	"github.com/fieldrelay/syncore/internal/config"
	"github.com/fieldrelay/syncore/internal/httpserver"
	"github.com/fieldrelay/syncore/internal/platform"
	"github.com/fieldrelay/syncore/internal/telemetry"
	"github.com/fieldrelay/syncore/pkg/capability"
	"github.com/fieldrelay/syncore/pkg/cryptoring"
	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/offlinestore"
	"github.com/fieldrelay/syncore/pkg/optimistic"
	"github.com/fieldrelay/syncore/pkg/outbox"
	outboxstorage "github.com/fieldrelay/syncore/pkg/outbox/storage"
	"github.com/fieldrelay/syncore/pkg/reducer"
)

// tickInterval is how often Run drives the reducer's TimerTick event, which
// polls due outbox entries while online and expires stale toasts/mutations.
const tickInterval = time.Second

// Run reads config, wires the synchronization core, and drives it until ctx
// is cancelled. In "sim" mode this is the entire process; "debug" mode
// additionally mounts the inspection HTTP surface.
func Run(ctx context.Context, cfg *config.Config) error {
	logger, err := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	logger.Info("starting syncoresim", zap.String("mode", cfg.Mode), zap.String("listen", cfg.ListenAddr()))

	keyring, err := buildKeyring(cfg)
	if err != nil {
		return fmt.Errorf("building keyring: %w", err)
	}

	codec := offlinestore.NewCodec(keyring)
	storeCtx := offlinestore.NewStoreContext(cfg.WorkerID, cfg.WorkerID)
	container, err := offlinestore.LoadFromPath(codec, cfg.StorePath, storeCtx)
	if err != nil {
		return fmt.Errorf("loading offline store at %s: %w", cfg.StorePath, err)
	}
	logger.Info("offline store loaded",
		zap.Int("outbox_len", container.OutboxLen()),
		zap.Int("pending_cases", container.PendingCasesLen()),
	)

	storage, closeStorage, err := buildOutboxStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building outbox storage: %w", err)
	}
	defer closeStorage()

	engine := outbox.New(storage, outboxEngineConfig(cfg))
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("loading outbox entries: %w", err)
	}
	if n := len(engine.Quarantined()); n > 0 {
		logger.Warn("outbox quarantined entries on load", zap.Int("count", n))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(telemetry.All()...)

	optCtrl := optimistic.New()
	builder := apiclient.New(cfg.APIBaseURL)
	telemetryPort := capability.NewZapTelemetry(logger)
	red := reducer.New(engine, optCtrl, builder, telemetryPort)

	httpClient := capability.NewRetryableHTTPClient(capability.NewAllowedHosts(cfg.AllowedHosts))

	if cfg.BearerToken != "" {
		if _, err := red.Process(ctx, model.Now(), reducer.Event{
			Kind:   reducer.EventLoginSucceeded,
			UserID: model.UserId(cfg.WorkerID),
			Token:  cfg.BearerToken,
		}); err != nil {
			return fmt.Errorf("seeding session: %w", err)
		}
	}

	stop := runDispatchLoop(ctx, logger, red, httpClient)
	defer stop()

	if cfg.Mode == "debug" {
		return runDebugServer(ctx, cfg, logger, engine, registry)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildKeyring(cfg *config.Config) (*cryptoring.KeyRing, error) {
	ring := cryptoring.NewWithOSRandom(cryptoring.DefaultLimits())
	if len(cfg.KeyringKeys) == 0 {
		return nil, errors.New("SYNCORE_KEYRING_KEYS must list at least one base64-encoded 32-byte key")
	}
	for i, encoded := range cfg.KeyringKeys {
		keyBytes, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding keyring key %d: %w", i, err)
		}
		keyID := uint32(i + 1) // keyID 0 is reserved
		if err := ring.AddKey(keyID, keyBytes); err != nil {
			return nil, fmt.Errorf("installing keyring key %d: %w", i, err)
		}
		if err := ring.SetPrimary(keyID); err != nil {
			return nil, fmt.Errorf("setting keyring key %d primary: %w", i, err)
		}
	}
	return ring, nil
}

// buildOutboxStorage picks PostgresStorage (at SYNCORE_POSTGRES_URL) in
// "debug" mode; every other mode uses MemoryStorage, which does not survive
// a restart.
func buildOutboxStorage(ctx context.Context, cfg *config.Config) (outbox.Storage, func(), error) {
	if cfg.Mode != "debug" {
		return outbox.NewMemoryStorage(), func() {}, nil
	}
	pool, err := platform.NewPostgresPool(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	storage, err := outboxstorage.NewPostgresStorage(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return storage, pool.Close, nil
}

func outboxEngineConfig(cfg *config.Config) outbox.Config {
	c := outbox.DefaultConfig(cfg.WorkerID)
	c.MaxEntries = cfg.OutboxMaxEntries
	c.MaxAttempts = cfg.OutboxMaxAttempts
	c.LeaseDuration = time.Duration(cfg.OutboxLeaseSeconds) * time.Second
	c.RateLimitPerSecond = int(cfg.OutboxRateLimitPerSec)
	c.CompletedCacheTTL = time.Duration(cfg.OutboxCompletedCacheTTL) * time.Hour
	return c
}

// runDispatchLoop drives the reducer with a TimerTick every tickInterval,
// executing any HTTPRequest effect it returns and feeding the response back
// as an OutboxReplyReceived event. It returns a stop function.
func runDispatchLoop(ctx context.Context, logger *zap.Logger, red *reducer.Reducer, httpClient capability.HTTPPort) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := model.Now()
				if apiclient.TokenNeedsRefresh(red.Model.Session.Token, time.Now()) {
					if _, err := red.Process(ctx, now, reducer.Event{Kind: reducer.EventTokenRefreshRequired}); err != nil {
						logger.Error("reducer: processing token refresh", zap.Error(err))
					}
				}
				effects, err := red.Process(ctx, now, reducer.Event{Kind: reducer.EventTimerTick})
				if err != nil {
					logger.Error("reducer: processing timer tick", zap.Error(err))
					continue
				}
				dispatchEffects(ctx, logger, red, httpClient, now, effects)
			}
		}
	}()
	return func() {
		<-done
	}
}

func dispatchEffects(ctx context.Context, logger *zap.Logger, red *reducer.Reducer, httpClient capability.HTTPPort, now model.UnixTimeMs, effects []reducer.Effect) {
	for _, eff := range effects {
		switch eff.Kind {
		case reducer.EffectHTTPRequest:
			resp, err := httpClient.Execute(ctx, eff.Request)
			reply := reducer.Event{
				Kind:       reducer.EventOutboxReplyReceived,
				OpID:       eff.OpID,
				LeaseToken: eff.LeaseToken,
			}
			if err != nil {
				reply.Success = false
				reply.ErrorMessage = err.Error()
			} else {
				reply.Success = resp.IsSuccess()
				reply.HTTPStatus = resp.Status
				if !resp.IsSuccess() {
					reply.ErrorMessage = string(resp.Body)
				}
			}
			followUp, err := red.Process(ctx, model.Now(), reply)
			if err != nil {
				logger.Error("reducer: processing outbox reply", zap.Error(err))
				continue
			}
			dispatchEffects(ctx, logger, red, httpClient, now, followUp)

		case reducer.EffectTelemetryEvent:
			logger.Debug("telemetry effect", zap.String("event", eff.EventName), zap.Any("fields", eff.EventFields))

		default:
			logger.Debug("unhandled effect in sim host", zap.Int("kind", int(eff.Kind)))
		}
	}
}

func runDebugServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, engine *outbox.Engine, registry *prometheus.Registry) error {
	srv := httpserver.NewServer(cfg, logger, engine, registry)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("debug server listening", zap.String("addr", cfg.ListenAddr()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down debug server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
