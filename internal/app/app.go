package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeledger/internal/config"
)

// App is the top-level application. It wires dependencies from configuration
// and dispatches to the mode selected by cfg.Mode.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()

	// Optional overrides for the one-shot rebuild/check modes. When empty the
	// broker user from configuration is used, and rebuild covers all symbols.
	targetUser   string
	targetSymbol string
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// SetTarget narrows the rebuild and check modes to a specific user and, for
// rebuild, a specific symbol.
func (a *App) SetTarget(userID, symbol string) {
	a.targetUser = userID
	a.targetSymbol = symbol
}

// Run wires dependencies and executes the configured mode. It blocks until
// the mode finishes or the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.cleanup = cleanup

	a.logger.Info("starting", "mode", a.cfg.Mode)

	switch a.cfg.Mode {
	case "serve":
		return a.runServe(ctx, deps)
	case "sync":
		return a.runSync(ctx, deps)
	case "rebuild":
		return a.runRebuild(ctx, deps)
	case "check":
		return a.runCheck(ctx, deps)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases all wired resources. Safe to call after a failed Run.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}
