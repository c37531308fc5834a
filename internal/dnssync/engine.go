package dnssync

import (
	"context"
	"strings"

	"log/slog"

	"github.com/quietfold/reportgate/internal/cloudflare"
	"github.com/quietfold/reportgate/internal/model"
)

const (
	dnsRecordType = "CNAME"

	// Record TTL 1 means "automatic". It is ignored while the record is proxied.
	dnsRecordTTL = 1
)

// Engine reconciles the alias record that routes the gate hostname through
// the proxy.
type Engine struct {
	api            cloudflare.DNSAPI
	log            *slog.Logger
	dryRun         bool
	deleteOrphans  bool
	managedComment string
}

func NewEngine(api cloudflare.DNSAPI, logger *slog.Logger, dryRun bool, deleteOrphans bool, managedBy string) *Engine {
	return &Engine{
		api:            api,
		log:            logger,
		dryRun:         dryRun,
		deleteOrphans:  deleteOrphans,
		managedComment: model.DNSManagedComment(managedBy),
	}
}

func (engine *Engine) Reconcile(ctx context.Context, spec model.DNSRecordSpec) error {
	hostname := strings.ToLower(strings.TrimSuffix(spec.Name, "."))

	if engine.deleteOrphans {
		engine.deleteOrphanedRecords(ctx, hostname)
	}

	records, err := engine.api.ListDNSRecords(ctx, dnsRecordType, hostname)
	if err != nil {
		return err
	}

	desired := cloudflare.DNSRecordInput{
		Type:    spec.Type,
		Name:    hostname,
		Content: strings.ToLower(strings.TrimSuffix(spec.Content, ".")),
		Proxied: spec.Proxied,
		TTL:     dnsRecordTTL,
		Comment: engine.managedComment,
	}

	if len(records) == 0 {
		engine.log.Info("creating DNS record", "hostname", hostname, "target", desired.Content)
		if engine.dryRun {
			return nil
		}
		if _, err := engine.api.CreateDNSRecord(ctx, desired); err != nil {
			return err
		}
		return nil
	}
	if len(records) > 1 {
		engine.log.Warn("multiple DNS records found for hostname; skipping", "hostname", hostname)
		return nil
	}

	record := records[0]
	if record.Type != spec.Type {
		engine.log.Warn("existing DNS record has unexpected type; skipping", "hostname", hostname, "type", record.Type)
		return nil
	}
	if !engine.isManagedRecord(record, desired) {
		engine.log.Warn("existing DNS record is not managed; skipping", "hostname", hostname)
		return nil
	}
	if dnsRecordEqual(record, desired) {
		engine.log.Debug("DNS record up-to-date", "hostname", hostname)
		return nil
	}

	if !record.Proxied && desired.Proxied {
		engine.log.Info("re-enabling proxy on DNS record; the gateway cannot intercept unproxied traffic", "hostname", hostname)
	} else {
		engine.log.Info("updating DNS record", "hostname", hostname, "target", desired.Content)
	}
	if engine.dryRun {
		return nil
	}
	if _, err := engine.api.UpdateDNSRecord(ctx, record.ID, desired); err != nil {
		return err
	}
	return nil
}

// deleteOrphanedRecords removes managed alias records left behind by a
// hostname rename. Only records carrying the managed comment are touched.
func (engine *Engine) deleteOrphanedRecords(ctx context.Context, hostname string) {
	records, err := engine.api.ListDNSRecords(ctx, dnsRecordType, "")
	if err != nil {
		engine.log.Error("failed to list DNS records for cleanup", "error", err)
		return
	}

	for _, record := range records {
		name := strings.ToLower(strings.TrimSuffix(record.Name, "."))
		if name == hostname {
			continue
		}
		if record.Comment != engine.managedComment {
			continue
		}
		engine.log.Warn("deleting managed DNS record no longer desired", "hostname", name)
		if engine.dryRun {
			continue
		}
		if err := engine.api.DeleteDNSRecord(ctx, record.ID); err != nil {
			engine.log.Error("failed to delete DNS record", "hostname", name, "error", err)
		}
	}
}

func (engine *Engine) isManagedRecord(record cloudflare.DNSRecord, desired cloudflare.DNSRecordInput) bool {
	if record.Comment == engine.managedComment {
		return true
	}
	return strings.EqualFold(record.Content, desired.Content)
}

func dnsRecordEqual(record cloudflare.DNSRecord, desired cloudflare.DNSRecordInput) bool {
	return strings.EqualFold(record.Content, desired.Content) &&
		record.Proxied == desired.Proxied &&
		record.Comment == desired.Comment
}
