package access

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/quietfold/reportgate/internal/cloudflare"
	"github.com/quietfold/reportgate/internal/model"
)

const oneTimePinType = "onetimepin"

// Engine reconciles the Access application, its ordered policies, and the
// email one-time PIN login method for the gate hostname.
type Engine struct {
	api        cloudflare.AccessAPI
	log        *slog.Logger
	dryRun     bool
	managedTag string
}

func NewEngine(api cloudflare.AccessAPI, logger *slog.Logger, dryRun bool, managedBy string) *Engine {
	return &Engine{
		api:        api,
		log:        logger,
		dryRun:     dryRun,
		managedTag: model.AccessManagedTag(managedBy),
	}
}

func (engine *Engine) Reconcile(ctx context.Context, app model.AccessAppSpec) error {
	idpID, err := engine.ensureOneTimePin(ctx)
	if err != nil {
		return err
	}

	tagging := true
	if err := engine.api.EnsureAccessTag(ctx, engine.managedTag); err != nil {
		engine.log.Warn("failed to ensure access tag; proceeding without tagging", "tag", engine.managedTag, "error", err)
		tagging = false
	}

	existingPolicies, err := engine.api.ListAccessPolicies(ctx)
	if err != nil {
		return err
	}
	policyByName := map[string][]cloudflare.AccessPolicyRecord{}
	for _, policy := range existingPolicies {
		if policy.Name == "" {
			continue
		}
		key := strings.ToLower(policy.Name)
		policyByName[key] = append(policyByName[key], policy)
	}

	policyRefs, ok := engine.ensurePolicies(ctx, app, policyByName)
	if !ok {
		return fmt.Errorf("access policies for %s could not be ensured", app.Domain)
	}

	existingApps, err := engine.api.ListAccessApps(ctx)
	if err != nil {
		return err
	}

	input := engine.buildAppInput(app, policyRefs, idpID, tagging)
	record, found := resolveAccessApp(app, existingApps)
	if !found {
		engine.log.Info("creating access app", "app", app.Name, "domain", app.Domain)
		if engine.dryRun {
			return nil
		}
		created, err := engine.api.CreateAccessApp(ctx, input)
		if err != nil {
			return fmt.Errorf("create access app %s: %w", app.Name, err)
		}
		engine.deleteOrphanedApps(ctx, existingApps, created.ID)
		return nil
	}

	engine.deleteOrphanedApps(ctx, existingApps, record.ID)

	if !engine.appNeedsUpdate(record, input) {
		engine.log.Debug("access app up-to-date", "app", app.Name)
		return nil
	}
	engine.log.Info("updating access app", "app", app.Name, "domain", app.Domain)
	if engine.dryRun {
		return nil
	}
	if _, err := engine.api.UpdateAccessApp(ctx, record.ID, input); err != nil {
		return fmt.Errorf("update access app %s: %w", app.Name, err)
	}
	return nil
}

// ensureOneTimePin makes sure the email OTP login method exists and returns
// its provider ID. The gate app is restricted to this provider so visitors
// only ever see the emailed-passcode flow.
func (engine *Engine) ensureOneTimePin(ctx context.Context) (string, error) {
	providers, err := engine.api.ListIdentityProviders(ctx)
	if err != nil {
		return "", err
	}
	for _, provider := range providers {
		if provider.Type == oneTimePinType {
			return provider.ID, nil
		}
	}

	engine.log.Info("creating one-time PIN identity provider")
	if engine.dryRun {
		return "", nil
	}
	created, err := engine.api.CreateOneTimePinProvider(ctx)
	if err != nil {
		return "", fmt.Errorf("create one-time PIN provider: %w", err)
	}
	return created.ID, nil
}

func (engine *Engine) ensurePolicies(ctx context.Context, app model.AccessAppSpec, policyByName map[string][]cloudflare.AccessPolicyRecord) ([]cloudflare.AccessPolicyRef, bool) {
	policyRefs := make([]cloudflare.AccessPolicyRef, 0, len(app.Policies))
	for _, policy := range app.Policies {
		precedence := len(policyRefs) + 1

		record, found, ok := resolvePolicyByName(engine.log, policy, policyByName)
		if !ok {
			return nil, false
		}
		if !found {
			engine.log.Info("creating access policy", "policy", policy.Name, "app", app.Name)
			if engine.dryRun {
				policyRefs = append(policyRefs, cloudflare.AccessPolicyRef{Precedence: precedence})
				continue
			}
			created, err := engine.api.CreateAccessPolicy(ctx, buildPolicyInput(policy))
			if err != nil {
				engine.log.Error("failed to create access policy", "policy", policy.Name, "error", err)
				return nil, false
			}
			key := strings.ToLower(created.Name)
			policyByName[key] = append(policyByName[key], created)
			policyRefs = append(policyRefs, cloudflare.AccessPolicyRef{ID: created.ID, Precedence: precedence})
			continue
		}

		policyRefs = append(policyRefs, cloudflare.AccessPolicyRef{ID: record.ID, Precedence: precedence})
		engine.updatePolicyIfNeeded(ctx, app, policy, record)
	}

	return policyRefs, len(policyRefs) > 0
}

func resolvePolicyByName(log *slog.Logger, spec model.AccessPolicySpec, policyByName map[string][]cloudflare.AccessPolicyRecord) (cloudflare.AccessPolicyRecord, bool, bool) {
	matches := policyByName[strings.ToLower(spec.Name)]
	if len(matches) == 0 {
		return cloudflare.AccessPolicyRecord{}, false, true
	}
	if len(matches) > 1 {
		log.Warn("multiple access policies share the same name; skipping", "policy", spec.Name)
		return cloudflare.AccessPolicyRecord{}, false, false
	}
	return matches[0], true, true
}

func (engine *Engine) updatePolicyIfNeeded(ctx context.Context, app model.AccessAppSpec, spec model.AccessPolicySpec, record cloudflare.AccessPolicyRecord) {
	if record.HasUnsupportedRules {
		engine.log.Warn("access policy has unsupported rule types; rules will be replaced", "policy", spec.Name)
	}
	if !policyNeedsUpdate(spec, record) {
		engine.log.Debug("access policy up-to-date", "policy", spec.Name)
		return
	}
	engine.log.Info("updating access policy", "policy", spec.Name, "app", app.Name)
	if engine.dryRun {
		return
	}
	if _, err := engine.api.UpdateAccessPolicy(ctx, record.ID, buildPolicyInput(spec)); err != nil {
		engine.log.Error("failed to update access policy", "policy", spec.Name, "error", err)
	}
}

func (engine *Engine) buildAppInput(spec model.AccessAppSpec, policyRefs []cloudflare.AccessPolicyRef, idpID string, tagging bool) cloudflare.AccessAppInput {
	var tags []string
	if tagging {
		tags = []string{engine.managedTag}
	}
	var allowedIdPs []string
	if idpID != "" {
		allowedIdPs = []string{idpID}
	}
	return cloudflare.AccessAppInput{
		Name:            spec.Name,
		Domain:          spec.Domain,
		Type:            "self_hosted",
		SessionDuration: formatSessionDuration(spec.SessionDuration),
		AllowedIdPs:     allowedIdPs,
		Policies:        policyRefs,
		Tags:            tags,
	}
}

func (engine *Engine) appNeedsUpdate(record cloudflare.AccessAppRecord, desired cloudflare.AccessAppInput) bool {
	if record.Name != desired.Name {
		return true
	}
	if !strings.EqualFold(record.Domain, desired.Domain) {
		return true
	}
	if record.Type != "" && record.Type != desired.Type {
		return true
	}
	if desired.SessionDuration != "" && record.SessionDuration != desired.SessionDuration {
		return true
	}
	if !stringSetsEqual(record.AllowedIdPs, desired.AllowedIdPs) {
		return true
	}
	if !policyRefsEqual(record.Policies, desired.Policies) {
		return true
	}
	if !stringSetsEqual(record.Tags, desired.Tags) {
		return true
	}
	return false
}

// deleteOrphanedApps removes managed apps other than the one we keep. One
// gate means one application; leftovers from renamed hostnames are cleaned
// up, but only when they carry the managed tag.
func (engine *Engine) deleteOrphanedApps(ctx context.Context, existing []cloudflare.AccessAppRecord, keepID string) {
	for _, app := range existing {
		if app.ID == "" || app.ID == keepID {
			continue
		}
		if !hasManagedTag(app.Tags, engine.managedTag) {
			continue
		}
		engine.log.Warn("managed access app no longer desired; deleting", "app", app.Name)
		if engine.dryRun {
			continue
		}
		if err := engine.api.DeleteAccessApp(ctx, app.ID); err != nil {
			engine.log.Error("failed to delete access app", "app", app.Name, "error", err)
		}
	}
}

func resolveAccessApp(spec model.AccessAppSpec, existing []cloudflare.AccessAppRecord) (cloudflare.AccessAppRecord, bool) {
	for _, app := range existing {
		if strings.EqualFold(app.Domain, spec.Domain) {
			return app, true
		}
	}
	return cloudflare.AccessAppRecord{}, false
}

func buildPolicyInput(spec model.AccessPolicySpec) cloudflare.AccessPolicyInput {
	includes := make([]cloudflare.AccessRule, 0, len(spec.IncludeEmails)+1)
	for _, email := range spec.IncludeEmails {
		includes = append(includes, cloudflare.AccessRule{Email: email})
	}
	if spec.Everyone {
		includes = append(includes, cloudflare.AccessRule{Everyone: true})
	}
	return cloudflare.AccessPolicyInput{
		Name:    spec.Name,
		Action:  spec.Action,
		Include: includes,
	}
}

func policyNeedsUpdate(spec model.AccessPolicySpec, record cloudflare.AccessPolicyRecord) bool {
	if !strings.EqualFold(record.Action, spec.Action) {
		return true
	}
	desired := normalizeSpecRules(spec)
	current := normalizeRuleList(record.Include)
	if len(desired) != len(current) {
		return true
	}
	for i := range desired {
		if desired[i] != current[i] {
			return true
		}
	}
	return false
}

func normalizeSpecRules(spec model.AccessPolicySpec) []string {
	result := make([]string, 0, len(spec.IncludeEmails)+1)
	for _, email := range spec.IncludeEmails {
		result = append(result, "email:"+strings.ToLower(strings.TrimSpace(email)))
	}
	if spec.Everyone {
		result = append(result, "everyone")
	}
	sort.Strings(result)
	return result
}

func normalizeRuleList(rules []cloudflare.AccessRule) []string {
	result := make([]string, 0, len(rules))
	for _, rule := range rules {
		if rule.Email != "" {
			result = append(result, "email:"+strings.ToLower(rule.Email))
		}
		if rule.Everyone {
			result = append(result, "everyone")
		}
	}
	sort.Strings(result)
	return result
}

// formatSessionDuration renders a duration the way the API expects, e.g.
// "24h" rather than Go's "24h0m0s".
func formatSessionDuration(duration time.Duration) string {
	if duration <= 0 {
		return ""
	}
	if duration%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(duration/time.Hour))
	}
	if duration%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(duration/time.Minute))
	}
	return duration.String()
}

func hasManagedTag(tags []string, managedTag string) bool {
	for _, tag := range tags {
		if tag == managedTag {
			return true
		}
	}
	return false
}

func policyRefsEqual(left []cloudflare.AccessPolicyRef, right []cloudflare.AccessPolicyRef) bool {
	if len(left) != len(right) {
		return false
	}
	leftKeys := normalizePolicyRefs(left)
	rightKeys := normalizePolicyRefs(right)
	for i := range leftKeys {
		if leftKeys[i] != rightKeys[i] {
			return false
		}
	}
	return true
}

func normalizePolicyRefs(refs []cloudflare.AccessPolicyRef) []string {
	ordered := make([]struct {
		ID    string
		Order int
	}, 0, len(refs))
	for index, ref := range refs {
		if ref.ID == "" {
			continue
		}
		order := ref.Precedence
		if order == 0 {
			order = index + 1
		}
		ordered = append(ordered, struct {
			ID    string
			Order int
		}{ID: ref.ID, Order: order})
	}
	if len(ordered) == 0 {
		return nil
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})
	result := make([]string, 0, len(ordered))
	for _, item := range ordered {
		result = append(result, item.ID)
	}
	return result
}

func stringSetsEqual(left []string, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	leftCopy := append([]string{}, left...)
	rightCopy := append([]string{}, right...)
	sort.Strings(leftCopy)
	sort.Strings(rightCopy)
	for i := range leftCopy {
		if leftCopy[i] != rightCopy[i] {
			return false
		}
	}
	return true
}
