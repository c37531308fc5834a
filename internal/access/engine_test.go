package access

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/quietfold/reportgate/internal/cloudflare"
	"github.com/quietfold/reportgate/internal/model"
)

func gateApp() model.AccessAppSpec {
	return model.GateSpec{
		Hostname:        "reports.example.com",
		Origin:          "example-reports.pages.dev",
		SessionDuration: 24 * time.Hour,
		AllowedEmails:   []string{"a@example.com", "b@example.com", "c@example.com"},
	}.AccessApp()
}

func TestReconcileCreatesEverythingFromScratch(t *testing.T) {
	api := &stubAccessAPI{}
	engine := NewEngine(api, testLogger(t), false, "")

	if err := engine.Reconcile(context.Background(), gateApp()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if api.createIdPCalls != 1 {
		t.Fatalf("expected one-time PIN provider creation, got %d calls", api.createIdPCalls)
	}
	if api.createPolicyCalls != 2 {
		t.Fatalf("expected allow and deny policies created, got %d", api.createPolicyCalls)
	}
	if api.createAppCalls != 1 {
		t.Fatalf("expected 1 app creation, got %d", api.createAppCalls)
	}

	app := api.lastAppInput
	if app.Type != "self_hosted" {
		t.Fatalf("expected self_hosted app, got %q", app.Type)
	}
	if app.SessionDuration != "24h" {
		t.Fatalf("unexpected session duration %q", app.SessionDuration)
	}
	if len(app.AllowedIdPs) != 1 {
		t.Fatalf("expected app restricted to the OTP provider, got %v", app.AllowedIdPs)
	}
	if len(app.Policies) != 2 {
		t.Fatalf("expected 2 policy refs, got %d", len(app.Policies))
	}
	if app.Policies[0].Precedence != 1 || app.Policies[1].Precedence != 2 {
		t.Fatalf("expected allow before deny, got %+v", app.Policies)
	}

	allow := api.policyInputs[0]
	if allow.Action != model.ActionAllow || len(allow.Include) != 3 {
		t.Fatalf("unexpected allow policy input: %+v", allow)
	}
	deny := api.policyInputs[1]
	if deny.Action != model.ActionDeny || len(deny.Include) != 1 || !deny.Include[0].Everyone {
		t.Fatalf("unexpected deny policy input: %+v", deny)
	}
}

func TestReconcileReusesExistingOTPProvider(t *testing.T) {
	api := &stubAccessAPI{
		providers: []cloudflare.IdentityProvider{
			{ID: "idp-1", Name: "One-time PIN", Type: "onetimepin"},
		},
	}
	engine := NewEngine(api, testLogger(t), false, "")

	if err := engine.Reconcile(context.Background(), gateApp()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createIdPCalls != 0 {
		t.Fatalf("expected no provider creation, got %d", api.createIdPCalls)
	}
	if len(api.lastAppInput.AllowedIdPs) != 1 || api.lastAppInput.AllowedIdPs[0] != "idp-1" {
		t.Fatalf("expected app bound to idp-1, got %v", api.lastAppInput.AllowedIdPs)
	}
}

func TestReconcileUpdatesDriftedAllowlist(t *testing.T) {
	spec := gateApp()
	api := &stubAccessAPI{
		providers: []cloudflare.IdentityProvider{{ID: "idp-1", Type: "onetimepin"}},
		policies: []cloudflare.AccessPolicyRecord{
			{
				ID:     "pol-allow",
				Name:   "allow reports.example.com",
				Action: model.ActionAllow,
				Include: []cloudflare.AccessRule{
					{Email: "a@example.com"},
					{Email: "stale@example.com"},
				},
			},
			{
				ID:      "pol-deny",
				Name:    "deny reports.example.com",
				Action:  model.ActionDeny,
				Include: []cloudflare.AccessRule{{Everyone: true}},
			},
		},
	}
	engine := NewEngine(api, testLogger(t), false, "")

	if err := engine.Reconcile(context.Background(), spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.updatePolicyCalls != 1 {
		t.Fatalf("expected 1 policy update for the drifted allowlist, got %d", api.updatePolicyCalls)
	}
	updated := api.policyInputs[len(api.policyInputs)-1]
	if len(updated.Include) != 3 {
		t.Fatalf("expected 3 allowlist entries after update, got %d", len(updated.Include))
	}
}

func TestReconcileLeavesUpToDateAppAlone(t *testing.T) {
	managedTag := model.AccessManagedTag("")
	api := &stubAccessAPI{
		providers: []cloudflare.IdentityProvider{{ID: "idp-1", Type: "onetimepin"}},
		policies: []cloudflare.AccessPolicyRecord{
			{
				ID:     "pol-allow",
				Name:   "allow reports.example.com",
				Action: model.ActionAllow,
				Include: []cloudflare.AccessRule{
					{Email: "a@example.com"},
					{Email: "b@example.com"},
					{Email: "c@example.com"},
				},
			},
			{
				ID:      "pol-deny",
				Name:    "deny reports.example.com",
				Action:  model.ActionDeny,
				Include: []cloudflare.AccessRule{{Everyone: true}},
			},
		},
		apps: []cloudflare.AccessAppRecord{
			{
				ID:              "app-1",
				Name:            "reports.example.com",
				Domain:          "reports.example.com",
				Type:            "self_hosted",
				SessionDuration: "24h",
				AllowedIdPs:     []string{"idp-1"},
				Policies: []cloudflare.AccessPolicyRef{
					{ID: "pol-allow", Precedence: 1},
					{ID: "pol-deny", Precedence: 2},
				},
				Tags: []string{managedTag},
			},
		},
	}
	engine := NewEngine(api, testLogger(t), false, "")

	if err := engine.Reconcile(context.Background(), gateApp()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createAppCalls != 0 || api.updateAppCalls != 0 {
		t.Fatalf("expected no app mutations, got create=%d update=%d", api.createAppCalls, api.updateAppCalls)
	}
	if api.updatePolicyCalls != 0 {
		t.Fatalf("expected no policy updates, got %d", api.updatePolicyCalls)
	}
}

func TestReconcileDeletesManagedOrphans(t *testing.T) {
	managedTag := model.AccessManagedTag("")
	api := &stubAccessAPI{
		providers: []cloudflare.IdentityProvider{{ID: "idp-1", Type: "onetimepin"}},
		apps: []cloudflare.AccessAppRecord{
			{ID: "app-old", Name: "old.example.com", Domain: "old.example.com", Tags: []string{managedTag}},
			{ID: "app-foreign", Name: "other.example.com", Domain: "other.example.com"},
		},
	}
	engine := NewEngine(api, testLogger(t), false, "")

	if err := engine.Reconcile(context.Background(), gateApp()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.deleteAppCalls != 1 {
		t.Fatalf("expected only the tagged orphan deleted, got %d deletes", api.deleteAppCalls)
	}
}

func TestReconcileDryRunMutatesNothing(t *testing.T) {
	api := &stubAccessAPI{}
	engine := NewEngine(api, testLogger(t), true, "")

	if err := engine.Reconcile(context.Background(), gateApp()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createIdPCalls != 0 || api.createPolicyCalls != 0 || api.createAppCalls != 0 {
		t.Fatalf("expected no mutations during dry-run: %+v", api)
	}
}

func TestFormatSessionDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{24 * time.Hour, "24h"},
		{30 * time.Minute, "30m"},
		{90 * time.Minute, "90m"},
		{0, ""},
	}
	for _, tc := range cases {
		if got := formatSessionDuration(tc.in); got != tc.want {
			t.Fatalf("formatSessionDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
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

type stubAccessAPI struct {
	apps      []cloudflare.AccessAppRecord
	policies  []cloudflare.AccessPolicyRecord
	providers []cloudflare.IdentityProvider

	createAppCalls    int
	updateAppCalls    int
	deleteAppCalls    int
	createPolicyCalls int
	updatePolicyCalls int
	ensureTagCalls    int
	createIdPCalls    int

	lastAppInput cloudflare.AccessAppInput
	policyInputs []cloudflare.AccessPolicyInput
}

func (api *stubAccessAPI) ListAccessApps(ctx context.Context) ([]cloudflare.AccessAppRecord, error) {
	return api.apps, nil
}

func (api *stubAccessAPI) CreateAccessApp(ctx context.Context, input cloudflare.AccessAppInput) (cloudflare.AccessAppRecord, error) {
	api.createAppCalls++
	api.lastAppInput = input
	return cloudflare.AccessAppRecord{ID: "created", Name: input.Name, Domain: input.Domain, Policies: input.Policies, Tags: input.Tags}, nil
}

func (api *stubAccessAPI) UpdateAccessApp(ctx context.Context, id string, input cloudflare.AccessAppInput) (cloudflare.AccessAppRecord, error) {
	api.updateAppCalls++
	api.lastAppInput = input
	return cloudflare.AccessAppRecord{ID: id, Name: input.Name, Domain: input.Domain, Policies: input.Policies, Tags: input.Tags}, nil
}

func (api *stubAccessAPI) DeleteAccessApp(ctx context.Context, id string) error {
	api.deleteAppCalls++
	return nil
}

func (api *stubAccessAPI) ListAccessPolicies(ctx context.Context) ([]cloudflare.AccessPolicyRecord, error) {
	return api.policies, nil
}

func (api *stubAccessAPI) CreateAccessPolicy(ctx context.Context, input cloudflare.AccessPolicyInput) (cloudflare.AccessPolicyRecord, error) {
	api.createPolicyCalls++
	api.policyInputs = append(api.policyInputs, input)
	return cloudflare.AccessPolicyRecord{ID: "pol-" + input.Name, Name: input.Name, Action: input.Action, Include: input.Include}, nil
}

func (api *stubAccessAPI) UpdateAccessPolicy(ctx context.Context, id string, input cloudflare.AccessPolicyInput) (cloudflare.AccessPolicyRecord, error) {
	api.updatePolicyCalls++
	api.policyInputs = append(api.policyInputs, input)
	return cloudflare.AccessPolicyRecord{ID: id, Name: input.Name, Action: input.Action, Include: input.Include}, nil
}

func (api *stubAccessAPI) EnsureAccessTag(ctx context.Context, name string) error {
	api.ensureTagCalls++
	return nil
}

func (api *stubAccessAPI) ListIdentityProviders(ctx context.Context) ([]cloudflare.IdentityProvider, error) {
	return api.providers, nil
}

func (api *stubAccessAPI) CreateOneTimePinProvider(ctx context.Context) (cloudflare.IdentityProvider, error) {
	api.createIdPCalls++
	return cloudflare.IdentityProvider{ID: "idp-created", Name: "One-time PIN", Type: "onetimepin"}, nil
}
