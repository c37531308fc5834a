package model

import "time"

// Access policy decisions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// AccessAppSpec describes the desired Access application state for a gate
// hostname.
type AccessAppSpec struct {
	Name            string
	Domain          string
	SessionDuration time.Duration
	Policies        []AccessPolicySpec
}

// AccessPolicySpec describes one Access policy. Precedence follows slice
// order: the email allow policy first, the explicit deny fallback last.
type AccessPolicySpec struct {
	Name          string
	Action        string
	IncludeEmails []string
	Everyone      bool
}

// AccessApp builds the Access application spec for the gate: a self-hosted
// app bound to the gate hostname, an email allow policy, and an explicit
// deny for everyone else so the fallback ordering is pinned rather than
// left to the vendor default.
func (gate GateSpec) AccessApp() AccessAppSpec {
	return AccessAppSpec{
		Name:            gate.Hostname,
		Domain:          gate.Hostname,
		SessionDuration: gate.SessionDuration,
		Policies: []AccessPolicySpec{
			{
				Name:          "allow " + gate.Hostname,
				Action:        ActionAllow,
				IncludeEmails: gate.AllowedEmails,
			},
			{
				Name:     "deny " + gate.Hostname,
				Action:   ActionDeny,
				Everyone: true,
			},
		},
	}
}
