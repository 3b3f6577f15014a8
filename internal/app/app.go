// internal/app/app.go
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/VillagerBridge/internal/api"
	"github.com/Corphon/VillagerBridge/internal/auth"
	"github.com/Corphon/VillagerBridge/internal/config"
	"github.com/Corphon/VillagerBridge/internal/remote"
	"github.com/Corphon/VillagerBridge/internal/scheduler"
	"github.com/Corphon/VillagerBridge/internal/services"
	"github.com/Corphon/VillagerBridge/internal/storage"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// Version is reported by /api/health and the remote client's User-Agent
const Version = "0.1.0"

// App owns every long-lived component and tears them down in dependency order.
type App struct {
	cfg     *config.Config
	metrics *utils.MetricsCollector
	logger  *utils.Logger

	store       *storage.FileStorage
	index       *storage.ScriptIndex
	cache       *services.ScriptCache
	authority   *remote.Client
	scheduler   *scheduler.Scheduler
	executor    *scheduler.Executor
	hub         *api.DisplayHub
	playback    *services.PlaybackLog
	coordinator *services.GroupCoordinator
	limiter     *api.RateLimiter
	router      *gin.Engine

	mu     sync.Mutex
	server *http.Server

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds the application from cfg and starts its background loops
// (cache watcher and periodic refresh). It does not listen; see Run.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: utils.NewMetricsCollector(),
		logger:  utils.GetLogger(),
	}
	a.logger.SetLogLevel(utils.ParseLogLevel(cfg.LogLevel))

	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.startBackground(ctx)

	a.logger.Info("application initialised", map[string]interface{}{
		"data_dir":          cfg.DataDir,
		"remote":            cfg.Remote.BaseURL,
		"scheduler_workers": cfg.Playback.SchedulerWorkers,
		"script_index":      a.index != nil,
		"playback_log":      a.playback != nil,
		"auth_required":     cfg.Auth.Required,
	})
	return a, nil
}

func (a *App) init() error {
	cfg := a.cfg
	var err error

	for _, dir := range []string{cfg.DataDir, cfg.CacheDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if a.store, err = storage.NewFileStorage(cfg.CacheDir()); err != nil {
		return err
	}

	cacheOpts := services.ScriptCacheOptions{
		RefreshParallelism: cfg.Cache.RefreshParallelism,
		Metrics:            a.metrics,
	}
	if cfg.Cache.IndexEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath()), 0755); err != nil {
			return err
		}
		if a.index, err = storage.OpenScriptIndex(cfg.IndexPath()); err != nil {
			return err
		}
		cacheOpts.Observer = a.index
	}
	a.cache = services.NewScriptCache(a.store, cacheOpts)

	a.authority, err = remote.NewClient(remote.ClientConfig{
		BaseURL:         cfg.Remote.BaseURL,
		APIToken:        cfg.Remote.APIToken,
		UserAgent:       "VillagerBridge/" + Version,
		MetadataTimeout: cfg.Remote.MetadataTimeout,
		FetchTimeout:    cfg.Remote.FetchTimeout,
	}, a.metrics)
	if err != nil {
		return err
	}

	a.scheduler = scheduler.New(cfg.Playback.SchedulerWorkers)
	a.executor = scheduler.NewExecutor()
	a.hub = api.NewDisplayHub(a.metrics)

	var sink services.DisplaySink = a.hub
	if cfg.Playback.LogEnabled {
		a.playback = services.NewPlaybackLog(cfg.PlaybackLogDir(), "playback")
		sink = services.MultiSink{a.hub, a.playback}
	}

	a.coordinator = services.NewGroupCoordinator(a.cache, a.authority, services.PlayerDeps{
		Scheduler:     a.scheduler,
		Executor:      a.executor,
		Sink:          sink,
		DefaultTiming: cfg.Timing,
		Metrics:       a.metrics,
	})

	var tokens *auth.TokenConfig
	if cfg.Auth.Secret != "" {
		tokens = auth.NewTokenConfig(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	}
	a.limiter = api.NewRateLimiter(10 * time.Minute)

	deps := api.RouterDeps{
		Coordinator: a.coordinator,
		Cache:       a.cache,
		Authority:   a.authority,
		Hub:         a.hub,
		Metrics:     a.metrics,
		Tokens:      tokens,
		RequireAuth: cfg.Auth.Required,
		RateLimiter: a.limiter,
		StartLimit:  cfg.Auth.RateLimitPerMinute,
		StartWindow: time.Minute,
		DebugMode:   cfg.DebugMode,
		Version:     Version,
	}
	if a.index != nil {
		deps.History = a.index
	}
	a.router = api.SetupRouter(deps)
	return nil
}

func (a *App) startBackground(ctx context.Context) {
	if a.cfg.Cache.Watch {
		watcher, err := services.NewCacheWatcher(a.cache, a.cfg.CacheDir())
		if err != nil {
			// playback works without it; only cross-process updates are missed
			a.logger.Warn("cache watcher disabled", map[string]interface{}{"error": err.Error()})
		} else {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				watcher.Run(ctx)
			}()
		}
	}

	if every := a.cfg.Cache.RefreshInterval; every > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.refreshLoop(ctx, every)
		}()
	}
}

// refreshLoop re-checks every cached script against the authority
func (a *App) refreshLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := a.cache.RefreshAll(ctx, a.authority)
			a.logger.Info("periodic script refresh", map[string]interface{}{
				"checked": report.Checked,
				"updated": report.Updated,
				"failed":  report.Failed,
			})
		}
	}
}

// Handler is the HTTP handler serving the API and the display WebSocket
func (a *App) Handler() http.Handler { return a.router }

// Config returns the configuration the app was built with
func (a *App) Config() *config.Config { return a.cfg }

// IsDebugMode reports whether debug mode is on
func (a *App) IsDebugMode() bool { return a.cfg.DebugMode }

// Coordinator exposes the group coordinator (for embedding and tests)
func (a *App) Coordinator() *services.GroupCoordinator { return a.coordinator }

// Run serves HTTP on the configured port until ctx is cancelled, then shuts
// the server down and closes the app.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.Close()
			return err
		}
		return a.Close()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Playback.ShutdownTimeout+5*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops accepting HTTP requests, waits for in-flight ones, then
// closes the app.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases every component: players first, then the timer and
// executor goroutines, then the sinks and storage. Safe to call twice and
// on a partially built App.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		timeout := a.cfg.Playback.ShutdownTimeout

		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if a.coordinator != nil {
			a.coordinator.Close()
		}
		if a.scheduler != nil {
			if err := a.scheduler.Shutdown(timeout); err != nil {
				errs = append(errs, err)
			}
		}
		if a.executor != nil {
			if err := a.executor.Close(timeout); err != nil {
				errs = append(errs, err)
			}
		}
		if a.hub != nil {
			a.hub.Close()
		}
		if a.playback != nil {
			if err := a.playback.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.index != nil {
			if err := a.index.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.cache != nil {
			a.cache.Close()
		}
		if a.limiter != nil {
			a.limiter.Stop()
		}

		a.closeErr = errors.Join(errs...)
		if a.closeErr != nil {
			a.logger.Error("shutdown finished with errors", map[string]interface{}{"error": a.closeErr.Error()})
		} else {
			a.logger.Info("shutdown complete", nil)
		}
	})
	return a.closeErr
}
