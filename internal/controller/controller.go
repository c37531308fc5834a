package controller

import (
	"context"
	"time"

	"log/slog"

	"github.com/quietfold/reportgate/internal/access"
	"github.com/quietfold/reportgate/internal/config"
	"github.com/quietfold/reportgate/internal/dnssync"
	"github.com/quietfold/reportgate/internal/pages"
)

// Controller reloads the gate definition and reconciles DNS, the static
// host, and Access against it.
type Controller struct {
	gateFile     string
	dnsEngine    *dnssync.Engine
	pagesEngine  *pages.Engine
	accessEngine *access.Engine
	interval     time.Duration
	log          *slog.Logger
}

func NewController(gateFile string, dnsEngine *dnssync.Engine, pagesEngine *pages.Engine, accessEngine *access.Engine, interval time.Duration, logger *slog.Logger) *Controller {
	return &Controller{
		gateFile:     gateFile,
		dnsEngine:    dnsEngine,
		pagesEngine:  pagesEngine,
		accessEngine: accessEngine,
		interval:     interval,
		log:          logger,
	}
}

func (controller *Controller) Run(ctx context.Context, runOnce bool) error {
	if err := controller.syncOnce(ctx); err != nil {
		if runOnce {
			return err
		}
		controller.log.Error("initial sync failed", "error", err)
	}
	if runOnce {
		return nil
	}

	ticker := time.NewTicker(controller.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := controller.syncOnce(ctx); err != nil {
				controller.log.Error("sync failed", "error", err)
			}
		}
	}
}

// syncOnce re-reads the gate definition each pass so edits to the
// allowlist get picked up without a restart.
func (controller *Controller) syncOnce(ctx context.Context) error {
	gate, err := config.LoadGate(controller.gateFile)
	if err != nil {
		return err
	}

	if err := controller.dnsEngine.Reconcile(ctx, gate.DNSRecord()); err != nil {
		controller.log.Error("DNS sync failed", "hostname", gate.Hostname, "error", err)
	}

	if controller.pagesEngine != nil {
		if err := controller.pagesEngine.Reconcile(ctx, gate); err != nil {
			controller.log.Error("pages custom domain sync failed", "project", gate.PagesProject, "error", err)
		}
	}

	return controller.accessEngine.Reconcile(ctx, gate.AccessApp())
}
