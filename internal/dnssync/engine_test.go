package dnssync

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/quietfold/reportgate/internal/cloudflare"
	"github.com/quietfold/reportgate/internal/model"
)

func gateRecord() model.DNSRecordSpec {
	return model.GateSpec{
		Hostname: "reports.example.com",
		Origin:   "example-reports.pages.dev",
	}.DNSRecord()
}

func TestReconcileCreatesMissingRecord(t *testing.T) {
	api := &stubDNSAPI{}
	engine := NewEngine(api, testLogger(t), false, false, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createCalls != 1 {
		t.Fatalf("expected 1 create call, got %d", api.createCalls)
	}
	if !api.lastInput.Proxied {
		t.Fatalf("expected created record to be proxied")
	}
	if api.lastInput.Type != "CNAME" {
		t.Fatalf("expected CNAME record, got %s", api.lastInput.Type)
	}
	if api.lastInput.Comment != model.DNSManagedComment("") {
		t.Fatalf("expected managed comment, got %q", api.lastInput.Comment)
	}
}

func TestReconcileReenablesProxyFlag(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{
				ID:      "rec-1",
				Type:    "CNAME",
				Name:    "reports.example.com",
				Content: "example-reports.pages.dev",
				Proxied: false,
				Comment: model.DNSManagedComment(""),
			},
		},
	}
	engine := NewEngine(api, testLogger(t), false, false, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.updateCalls != 1 {
		t.Fatalf("expected 1 update call, got %d", api.updateCalls)
	}
	if !api.lastInput.Proxied {
		t.Fatalf("expected update to re-enable the proxied flag")
	}
}

func TestReconcileUpToDateRecordUntouched(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{
				ID:      "rec-1",
				Type:    "CNAME",
				Name:    "reports.example.com",
				Content: "example-reports.pages.dev",
				Proxied: true,
				Comment: model.DNSManagedComment(""),
			},
		},
	}
	engine := NewEngine(api, testLogger(t), false, false, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createCalls != 0 || api.updateCalls != 0 {
		t.Fatalf("expected no mutations, got create=%d update=%d", api.createCalls, api.updateCalls)
	}
}

func TestReconcileSkipsForeignRecord(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{
				ID:      "rec-1",
				Type:    "CNAME",
				Name:    "reports.example.com",
				Content: "somewhere-else.example.net",
				Proxied: false,
				Comment: "hand-made",
			},
		},
	}
	engine := NewEngine(api, testLogger(t), false, false, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.updateCalls != 0 {
		t.Fatalf("expected foreign record to be left alone, got %d updates", api.updateCalls)
	}
}

func TestReconcileIgnoresBystanderTXTRecord(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{ID: "rec-txt", Type: "TXT", Name: "reports.example.com", Content: "v=spf1 -all"},
		},
	}
	engine := NewEngine(api, testLogger(t), false, false, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createCalls != 1 {
		t.Fatalf("expected alias created despite TXT record at the hostname, got %d creates", api.createCalls)
	}
}

func TestReconcileDeletesRenamedManagedRecord(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{
				ID:      "rec-old",
				Type:    "CNAME",
				Name:    "old-reports.example.com",
				Content: "example-reports.pages.dev",
				Proxied: true,
				Comment: model.DNSManagedComment(""),
			},
		},
	}
	engine := NewEngine(api, testLogger(t), false, true, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.deleteCalls != 1 {
		t.Fatalf("expected renamed managed record deleted, got %d deletes", api.deleteCalls)
	}
	if len(api.deletedIDs) != 1 || api.deletedIDs[0] != "rec-old" {
		t.Fatalf("unexpected deleted record ids: %v", api.deletedIDs)
	}
	if api.createCalls != 1 {
		t.Fatalf("expected record for the current hostname created, got %d creates", api.createCalls)
	}
}

func TestReconcileCleanupSparesForeignRecords(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{ID: "rec-other", Type: "CNAME", Name: "blog.example.com", Content: "blog.example.net", Comment: "hand-made"},
		},
	}
	engine := NewEngine(api, testLogger(t), false, true, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.deleteCalls != 0 {
		t.Fatalf("expected unmanaged record left alone, got %d deletes", api.deleteCalls)
	}
}

func TestReconcileKeepsOrphanWithoutDeleteFlag(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{ID: "rec-old", Type: "CNAME", Name: "old-reports.example.com", Content: "example-reports.pages.dev", Comment: model.DNSManagedComment("")},
		},
	}
	engine := NewEngine(api, testLogger(t), false, false, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.deleteCalls != 0 {
		t.Fatalf("expected no deletes without the delete flag, got %d", api.deleteCalls)
	}
}

func TestReconcileDryRunSkipsMutations(t *testing.T) {
	api := &stubDNSAPI{
		records: []cloudflare.DNSRecord{
			{ID: "rec-old", Type: "CNAME", Name: "old-reports.example.com", Content: "example-reports.pages.dev", Comment: model.DNSManagedComment("")},
		},
	}
	engine := NewEngine(api, testLogger(t), true, true, "")

	if err := engine.Reconcile(context.Background(), gateRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createCalls != 0 {
		t.Fatalf("expected no create calls during dry-run, got %d", api.createCalls)
	}
	if api.deleteCalls != 0 {
		t.Fatalf("expected no delete calls during dry-run, got %d", api.deleteCalls)
	}
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (n int, err error) {
	w.t.Log(string(p))
	return len(p), nil
}

type stubDNSAPI struct {
	records     []cloudflare.DNSRecord
	createCalls int
	updateCalls int
	deleteCalls int
	deletedIDs  []string
	lastInput   cloudflare.DNSRecordInput
}

func (api *stubDNSAPI) ListDNSRecords(ctx context.Context, recordType string, name string) ([]cloudflare.DNSRecord, error) {
	matches := []cloudflare.DNSRecord{}
	for _, record := range api.records {
		if recordType != "" && record.Type != recordType {
			continue
		}
		if name != "" && !strings.EqualFold(record.Name, name) {
			continue
		}
		matches = append(matches, record)
	}
	return matches, nil
}

func (api *stubDNSAPI) CreateDNSRecord(ctx context.Context, input cloudflare.DNSRecordInput) (cloudflare.DNSRecord, error) {
	api.createCalls++
	api.lastInput = input
	return cloudflare.DNSRecord{ID: "created", Type: input.Type, Name: input.Name, Content: input.Content, Proxied: input.Proxied, Comment: input.Comment}, nil
}

func (api *stubDNSAPI) UpdateDNSRecord(ctx context.Context, id string, input cloudflare.DNSRecordInput) (cloudflare.DNSRecord, error) {
	api.updateCalls++
	api.lastInput = input
	return cloudflare.DNSRecord{ID: id, Type: input.Type, Name: input.Name, Content: input.Content, Proxied: input.Proxied, Comment: input.Comment}, nil
}

func (api *stubDNSAPI) DeleteDNSRecord(ctx context.Context, id string) error {
	api.deleteCalls++
	api.deletedIDs = append(api.deletedIDs, id)
	return nil
}
