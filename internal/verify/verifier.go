package verify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/quietfold/reportgate/internal/cloudflare"
	"github.com/quietfold/reportgate/internal/generator"
	"github.com/quietfold/reportgate/internal/model"
)

// Check names, usable with the verify command's --skip flag.
const (
	CheckDNS       = "dns"
	CheckEdge      = "edge"
	CheckPolicy    = "policy"
	CheckGenerator = "generator"
)

type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// CheckResult is the outcome of a single acceptance check.
type CheckResult struct {
	Name   string
	Status Status
	Detail string
}

// Report summarizes one verification run.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Checks    []CheckResult
}

// Failed reports whether any check failed.
func (report Report) Failed() bool {
	for _, check := range report.Checks {
		if check.Status == StatusFail {
			return true
		}
	}
	return false
}

// GeneratorAPI is the container inspection surface the schedule check needs.
type GeneratorAPI interface {
	InspectGenerator(ctx context.Context, name string) (generator.Status, error)
}

// Verifier runs the acceptance checks for a configured gate.
type Verifier struct {
	dns        cloudflare.DNSAPI
	access     cloudflare.AccessAPI
	generator  GeneratorAPI
	log        *slog.Logger
	httpClient *http.Client
	now        func() time.Time

	// edgeOverride replaces the https://<hostname>/ probe URL in tests.
	edgeOverride string
}

func New(dns cloudflare.DNSAPI, access cloudflare.AccessAPI, gen GeneratorAPI, logger *slog.Logger) *Verifier {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Verifier{
		dns:        dns,
		access:     access,
		generator:  gen,
		log:        logger,
		httpClient: client,
		now:        time.Now,
	}
}

// Run executes all checks not named in skip and returns the report.
func (verifier *Verifier) Run(ctx context.Context, gate model.GateSpec, skip map[string]bool) Report {
	report := Report{
		RunID:     uuid.NewString(),
		StartedAt: verifier.now(),
	}

	run := func(name string, check func(context.Context, model.GateSpec) CheckResult) {
		if skip[name] {
			report.Checks = append(report.Checks, CheckResult{Name: name, Status: StatusSkip, Detail: "skipped"})
			return
		}
		result := check(ctx, gate)
		level := slog.LevelInfo
		if result.Status == StatusFail {
			level = slog.LevelWarn
		}
		verifier.log.Log(ctx, level, "acceptance check finished", "run", report.RunID, "check", result.Name, "status", string(result.Status), "detail", result.Detail)
		report.Checks = append(report.Checks, result)
	}

	run(CheckDNS, verifier.checkDNS)
	run(CheckEdge, verifier.checkEdge)
	run(CheckPolicy, verifier.checkPolicy)
	run(CheckGenerator, verifier.checkGenerator)

	report.Duration = verifier.now().Sub(report.StartedAt)
	return report
}

// checkDNS confirms the alias record exists, points at the origin, and has
// the proxied flag on. Without the proxy the gateway never sees the traffic.
func (verifier *Verifier) checkDNS(ctx context.Context, gate model.GateSpec) CheckResult {
	spec := gate.DNSRecord()
	records, err := verifier.dns.ListDNSRecords(ctx, spec.Type, spec.Name)
	if err != nil {
		return CheckResult{Name: CheckDNS, Status: StatusFail, Detail: fmt.Sprintf("list records: %v", err)}
	}
	if len(records) == 0 {
		return CheckResult{Name: CheckDNS, Status: StatusFail, Detail: "no DNS record for gate hostname"}
	}
	if len(records) > 1 {
		return CheckResult{Name: CheckDNS, Status: StatusFail, Detail: fmt.Sprintf("%d records found for gate hostname, expected 1", len(records))}
	}

	record := records[0]
	if record.Type != spec.Type {
		return CheckResult{Name: CheckDNS, Status: StatusFail, Detail: fmt.Sprintf("record type %s, expected %s", record.Type, spec.Type)}
	}
	if !strings.EqualFold(record.Content, spec.Content) {
		return CheckResult{Name: CheckDNS, Status: StatusFail, Detail: fmt.Sprintf("record points at %s, expected %s", record.Content, spec.Content)}
	}
	if !record.Proxied {
		return CheckResult{Name: CheckDNS, Status: StatusFail, Detail: "proxied flag is off; the gateway cannot intercept traffic"}
	}
	return CheckResult{Name: CheckDNS, Status: StatusPass, Detail: "proxied alias record in place"}
}

// checkEdge probes the gate hostname anonymously and expects the gateway's
// login challenge instead of report content.
func (verifier *Verifier) checkEdge(ctx context.Context, gate model.GateSpec) CheckResult {
	target := verifier.edgeOverride
	if target == "" {
		target = "https://" + gate.Hostname + "/"
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return CheckResult{Name: CheckEdge, Status: StatusFail, Detail: err.Error()}
	}
	resp, err := verifier.httpClient.Do(request)
	if err != nil {
		return CheckResult{Name: CheckEdge, Status: StatusFail, Detail: fmt.Sprintf("probe failed: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusMovedPermanently && resp.StatusCode < http.StatusBadRequest:
		location := resp.Header.Get("Location")
		if strings.Contains(location, "cloudflareaccess.com") {
			return CheckResult{Name: CheckEdge, Status: StatusPass, Detail: "anonymous request redirected to the access login"}
		}
		return CheckResult{Name: CheckEdge, Status: StatusFail, Detail: fmt.Sprintf("redirected to %s, not the access login", location)}
	case resp.StatusCode == http.StatusOK:
		if hasEmailLoginForm(resp) {
			return CheckResult{Name: CheckEdge, Status: StatusPass, Detail: "login challenge served inline"}
		}
		return CheckResult{Name: CheckEdge, Status: StatusFail, Detail: "content served without a gateway challenge; check the proxied flag and the access app hostname"}
	default:
		return CheckResult{Name: CheckEdge, Status: StatusFail, Detail: fmt.Sprintf("unexpected status %s", resp.Status)}
	}
}

// hasEmailLoginForm reports whether the response body is an HTML page with
// an email input, i.e. the gateway's inline OTP challenge.
func hasEmailLoginForm(resp *http.Response) bool {
	doc, err := html.Parse(resp.Body)
	if err != nil {
		return false
	}

	var found bool
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if found {
			return
		}
		if node.Type == html.ElementNode && node.Data == "input" {
			for _, attr := range node.Attr {
				if attr.Key == "type" && strings.EqualFold(attr.Val, "email") {
					found = true
					return
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return found
}

// checkPolicy fetches the deployed app and policies and replays the policy
// decision for every allowlisted address and for probe outsiders.
func (verifier *Verifier) checkPolicy(ctx context.Context, gate model.GateSpec) CheckResult {
	apps, err := verifier.access.ListAccessApps(ctx)
	if err != nil {
		return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: fmt.Sprintf("list apps: %v", err)}
	}
	var app *cloudflare.AccessAppRecord
	for i := range apps {
		if strings.EqualFold(apps[i].Domain, gate.Hostname) {
			app = &apps[i]
			break
		}
	}
	if app == nil {
		return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: "no access app bound to gate hostname"}
	}

	policies, err := verifier.access.ListAccessPolicies(ctx)
	if err != nil {
		return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: fmt.Sprintf("list policies: %v", err)}
	}
	ordered, err := orderedPolicies(*app, policies)
	if err != nil {
		return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: err.Error()}
	}

	if problem := auditOrdering(ordered); problem != "" {
		return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: problem}
	}

	allowed := countAllowedEmails(ordered)
	if allowed != len(gate.AllowedEmails) {
		return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: fmt.Sprintf("allow policy lists %d addresses, gate definition lists %d", allowed, len(gate.AllowedEmails))}
	}

	for _, email := range gate.AllowedEmails {
		if decision := Decide(ordered, email); decision != model.ActionAllow {
			return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: fmt.Sprintf("%s would be denied", email)}
		}
	}
	for _, email := range probeEmails(gate) {
		if decision := Decide(ordered, email); decision != model.ActionDeny {
			return CheckResult{Name: CheckPolicy, Status: StatusFail, Detail: fmt.Sprintf("%s would be admitted", email)}
		}
	}

	return CheckResult{Name: CheckPolicy, Status: StatusPass, Detail: fmt.Sprintf("exactly %d addresses admitted, everyone else denied", allowed)}
}

// checkGenerator confirms the scheduled report generator keeps running
// independently of the gate.
func (verifier *Verifier) checkGenerator(ctx context.Context, gate model.GateSpec) CheckResult {
	if gate.Generator == nil {
		return CheckResult{Name: CheckGenerator, Status: StatusSkip, Detail: "no generator configured"}
	}
	if verifier.generator == nil {
		return CheckResult{Name: CheckGenerator, Status: StatusSkip, Detail: "docker unavailable"}
	}

	status, err := verifier.generator.InspectGenerator(ctx, gate.Generator.Container)
	if err != nil {
		return CheckResult{Name: CheckGenerator, Status: StatusFail, Detail: err.Error()}
	}
	if !status.Found {
		return CheckResult{Name: CheckGenerator, Status: StatusFail, Detail: fmt.Sprintf("container %s not found", gate.Generator.Container)}
	}
	if status.Running {
		return CheckResult{Name: CheckGenerator, Status: StatusPass, Detail: "generator is running"}
	}
	if status.ExitCode != 0 {
		return CheckResult{Name: CheckGenerator, Status: StatusFail, Detail: fmt.Sprintf("last run exited with code %d", status.ExitCode)}
	}
	lastRun := status.LastRun()
	if lastRun.IsZero() || verifier.now().Sub(lastRun) > gate.Generator.MaxAge {
		return CheckResult{Name: CheckGenerator, Status: StatusFail, Detail: fmt.Sprintf("last run %s is older than %s", lastRun.Format(time.RFC3339), gate.Generator.MaxAge)}
	}
	return CheckResult{Name: CheckGenerator, Status: StatusPass, Detail: fmt.Sprintf("last run %s", lastRun.Format(time.RFC3339))}
}

// Decide replays the gateway's decision for an email against the app's
// ordered policies: first matching policy wins, no match denies.
func Decide(policies []cloudflare.AccessPolicyRecord, email string) string {
	for _, policy := range policies {
		for _, rule := range policy.Include {
			if rule.Everyone || strings.EqualFold(rule.Email, email) {
				return strings.ToLower(policy.Action)
			}
		}
	}
	return model.ActionDeny
}

// orderedPolicies resolves an app's policy refs to records in precedence
// order.
func orderedPolicies(app cloudflare.AccessAppRecord, policies []cloudflare.AccessPolicyRecord) ([]cloudflare.AccessPolicyRecord, error) {
	byID := map[string]cloudflare.AccessPolicyRecord{}
	for _, policy := range policies {
		if policy.ID != "" {
			byID[policy.ID] = policy
		}
	}

	refs := append([]cloudflare.AccessPolicyRef{}, app.Policies...)
	for i := range refs {
		if refs[i].Precedence == 0 {
			refs[i].Precedence = i + 1
		}
	}
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j].Precedence < refs[j-1].Precedence; j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}

	ordered := make([]cloudflare.AccessPolicyRecord, 0, len(refs))
	for _, ref := range refs {
		record, ok := byID[ref.ID]
		if !ok {
			return nil, fmt.Errorf("app references unknown policy %s", ref.ID)
		}
		ordered = append(ordered, record)
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("app has no policies")
	}
	return ordered, nil
}

// auditOrdering verifies the allow policy is evaluated before the deny
// fallback, so a misordered deploy cannot silently lock everyone out or let
// the fallback shadow the allowlist.
func auditOrdering(ordered []cloudflare.AccessPolicyRecord) string {
	sawDeny := false
	for _, policy := range ordered {
		switch strings.ToLower(policy.Action) {
		case model.ActionDeny:
			sawDeny = true
		case model.ActionAllow:
			if sawDeny {
				return fmt.Sprintf("allow policy %q is ordered after a deny policy", policy.Name)
			}
		}
	}
	return ""
}

func countAllowedEmails(ordered []cloudflare.AccessPolicyRecord) int {
	count := 0
	for _, policy := range ordered {
		if strings.ToLower(policy.Action) != model.ActionAllow {
			continue
		}
		for _, rule := range policy.Include {
			if rule.Email != "" {
				count++
			}
		}
	}
	return count
}

// probeEmails builds addresses that must be denied: a stranger on a foreign
// domain and a neighbor on the allowlisted addresses' own domains.
func probeEmails(gate model.GateSpec) []string {
	probes := []string{"outsider@notallowed.invalid"}
	seen := map[string]struct{}{}
	for _, email := range gate.AllowedEmails {
		at := strings.Index(email, "@")
		if at < 0 {
			continue
		}
		domain := email[at+1:]
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		probes = append(probes, "not-on-the-list@"+domain)
	}
	return probes
}
