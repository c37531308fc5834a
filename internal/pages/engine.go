package pages

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"github.com/quietfold/reportgate/internal/cloudflare"
	"github.com/quietfold/reportgate/internal/model"
)

// Engine attaches the gate hostname to the static-host project as a custom
// domain. The project itself (and its deployments) belong to the report
// pipeline, not to this tool.
type Engine struct {
	api    cloudflare.PagesAPI
	log    *slog.Logger
	dryRun bool
}

func NewEngine(api cloudflare.PagesAPI, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{api: api, log: logger, dryRun: dryRun}
}

func (engine *Engine) Reconcile(ctx context.Context, gate model.GateSpec) error {
	if gate.PagesProject == "" {
		engine.log.Debug("no pages project configured; skipping custom domain sync")
		return nil
	}

	domains, err := engine.api.ListPagesDomains(ctx, gate.PagesProject)
	if err != nil {
		return fmt.Errorf("list custom domains for project %s: %w", gate.PagesProject, err)
	}

	for _, domain := range domains {
		if strings.EqualFold(domain.Name, gate.Hostname) {
			if domain.Status != "" && !strings.EqualFold(domain.Status, "active") {
				engine.log.Warn("custom domain attached but not active", "project", gate.PagesProject, "domain", domain.Name, "status", domain.Status)
			} else {
				engine.log.Debug("custom domain up-to-date", "project", gate.PagesProject, "domain", domain.Name)
			}
			return nil
		}
	}

	engine.log.Info("attaching custom domain to pages project", "project", gate.PagesProject, "domain", gate.Hostname)
	if engine.dryRun {
		return nil
	}
	if _, err := engine.api.AddPagesDomain(ctx, gate.PagesProject, gate.Hostname); err != nil {
		return fmt.Errorf("attach custom domain %s: %w", gate.Hostname, err)
	}
	return nil
}
