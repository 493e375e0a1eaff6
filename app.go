// app.go
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"invokehttp/internal/bridge"
	"invokehttp/internal/channel"
	"invokehttp/internal/config"
	"invokehttp/internal/dispatch"
	"invokehttp/internal/responder"
)

// mainWindowLabel is the label the demo window runs under. Each webview gets
// exactly one stable label for its lifetime.
const mainWindowLabel = "main"

// App wires the invoke bridge together and carries the demo commands the
// page can call.
type App struct {
	ctx context.Context
	cfg *config.Config
	log zerolog.Logger

	registry      *dispatch.Registry
	hub           *channel.Hub
	configWatcher *config.Watcher

	// server is published atomically once started: the asset server reads it
	// from request goroutines while startup runs on the Wails runtime
	// goroutine.
	server atomic.Pointer[responder.Server]
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// startup is called when the app starts (Wails callback)
func (a *App) startup(ctx context.Context) {
	a.startupCommon(ctx)
}

// Startup is the exported version for the standalone responder
func (a *App) Startup(ctx context.Context) {
	a.startupCommon(ctx)
}

func (a *App) startupCommon(ctx context.Context) {
	a.ctx = ctx

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	a.log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	a.hub = channel.NewHub(a.log)

	router := dispatch.NewRouter(a.hub)
	router.SetTimeout(time.Duration(cfg.DispatchTimeout))
	router.Bind(a, "Startup", "Shutdown", "Server", "InvokeScript")

	a.registry = dispatch.NewRegistry()
	a.registry.Attach(mainWindowLabel, router)

	srv := responder.NewServer(a.registry, a.hub, responder.Options{
		Port:           cfg.Port,
		InvokeKey:      cfg.EnsureInvokeKey(),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         a.log,
	})
	if _, err := srv.Start(ctx); err != nil {
		a.log.Error().Err(err).Msg("failed to start invoke responder")
		return
	}
	a.server.Store(srv)

	if path, err := config.Path(); err == nil {
		watcher, err := config.Watch(path, 250*time.Millisecond, func(next *config.Config) {
			srv.SetAllowedOrigins(next.AllowedOrigins)
			a.log.Info().Strs("origins", next.AllowedOrigins).Msg("allowed origins reloaded")
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("config watch disabled")
		} else {
			a.configWatcher = watcher
		}
	}

	a.log.Info().Int("port", srv.Port()).Msg("invokehttp started")
}

// shutdown is called when the app is shutting down (Wails callback)
func (a *App) shutdown(ctx context.Context) {
	a.shutdownCommon(ctx)
}

// Shutdown is the exported version for the standalone responder
func (a *App) Shutdown(ctx context.Context) {
	a.shutdownCommon(ctx)
}

func (a *App) shutdownCommon(ctx context.Context) {
	if a.configWatcher != nil {
		a.configWatcher.Close()
	}
	if srv := a.server.Load(); srv != nil {
		if err := srv.Stop(ctx); err != nil {
			a.log.Warn().Err(err).Msg("responder shutdown error")
		}
	}
	a.log.Info().Msg("invokehttp shutdown complete")
}

// Server exposes the running responder to the entry points. It returns nil
// until startup publishes a started server.
func (a *App) Server() *responder.Server {
	return a.server.Load()
}

// InvokeScript renders the bridge script for the running responder.
func (a *App) InvokeScript() string {
	srv := a.server.Load()
	if srv == nil {
		return ""
	}
	return bridge.Script(srv.Port(), srv.InvokeKey())
}

// GreetArgs carries the Greet command's payload.
type GreetArgs struct {
	Name string `json:"name"`
}

// Greet returns a greeting for the given name (keep for testing)
func (a *App) Greet(args GreetArgs) string {
	return "Hello " + args.Name + ", welcome to invokehttp!"
}

// Hash digests a binary payload and returns the digest as binary.
func (a *App) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ReadFileArgs carries the ReadFile command's payload.
type ReadFileArgs struct {
	Path string `json:"path"`
}

// ReadFile returns a file's contents as a binary result.
func (a *App) ReadFile(args ReadFileArgs) ([]byte, error) {
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args.Path, err)
	}
	return data, nil
}

// TickArgs carries the Tick command's payload. OnTick arrives as a channel
// reference token and streams outside the invoke response.
type TickArgs struct {
	Count      int             `json:"count"`
	IntervalMS int             `json:"intervalMs"`
	OnTick     *channel.Sender `json:"onTick"`
}

// TickEvent is one streamed tick.
type TickEvent struct {
	Seq  int       `json:"seq"`
	Time time.Time `json:"time"`
}

// Tick streams count tick events on the payload's channel.
func (a *App) Tick(ctx context.Context, args TickArgs) error {
	if args.OnTick == nil {
		return fmt.Errorf("missing onTick channel")
	}
	interval := time.Duration(args.IntervalMS) * time.Millisecond
	for i := 0; i < args.Count; i++ {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := args.OnTick.Send(TickEvent{Seq: i, Time: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}
