package cloudflare

import "context"

// DNSRecord is an existing DNS record in the configured zone.
type DNSRecord struct {
	ID      string
	Type    string
	Name    string
	Content string
	Proxied bool
	TTL     int
	Comment string
}

// DNSRecordInput is the desired state written for a DNS record.
type DNSRecordInput struct {
	Type    string
	Name    string
	Content string
	Proxied bool
	TTL     int
	Comment string
}

// AccessPolicyRef links an application to a reusable policy at a given
// evaluation precedence.
type AccessPolicyRef struct {
	ID         string
	Precedence int
}

// AccessRule is a single include rule inside a policy. Exactly one field is
// set.
type AccessRule struct {
	Email    string
	Everyone bool
}

// AccessAppRecord is an existing Access application.
type AccessAppRecord struct {
	ID              string
	Name            string
	Domain          string
	Type            string
	SessionDuration string
	AUD             string
	AllowedIdPs     []string
	Policies        []AccessPolicyRef
	Tags            []string
}

// AccessAppInput is the desired state written for an Access application.
type AccessAppInput struct {
	Name            string
	Domain          string
	Type            string
	SessionDuration string
	AllowedIdPs     []string
	Policies        []AccessPolicyRef
	Tags            []string
}

// AccessPolicyRecord is an existing reusable Access policy.
type AccessPolicyRecord struct {
	ID                  string
	Name                string
	Action              string
	Include             []AccessRule
	HasUnsupportedRules bool
}

// AccessPolicyInput is the desired state written for an Access policy.
type AccessPolicyInput struct {
	Name    string
	Action  string
	Include []AccessRule
}

// IdentityProvider is a login method configured on the Access account.
type IdentityProvider struct {
	ID   string
	Name string
	Type string
}

// PagesDomain is a custom domain attached to a Pages project.
type PagesDomain struct {
	ID     string
	Name   string
	Status string
}

// DNSAPI defines the zone operations used by the DNS engine.
type DNSAPI interface {
	ListDNSRecords(ctx context.Context, recordType string, name string) ([]DNSRecord, error)
	CreateDNSRecord(ctx context.Context, input DNSRecordInput) (DNSRecord, error)
	UpdateDNSRecord(ctx context.Context, id string, input DNSRecordInput) (DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, id string) error
}

// AccessAPI defines the account operations used by the Access engine.
type AccessAPI interface {
	ListAccessApps(ctx context.Context) ([]AccessAppRecord, error)
	CreateAccessApp(ctx context.Context, input AccessAppInput) (AccessAppRecord, error)
	UpdateAccessApp(ctx context.Context, id string, input AccessAppInput) (AccessAppRecord, error)
	DeleteAccessApp(ctx context.Context, id string) error
	ListAccessPolicies(ctx context.Context) ([]AccessPolicyRecord, error)
	CreateAccessPolicy(ctx context.Context, input AccessPolicyInput) (AccessPolicyRecord, error)
	UpdateAccessPolicy(ctx context.Context, id string, input AccessPolicyInput) (AccessPolicyRecord, error)
	EnsureAccessTag(ctx context.Context, name string) error
	ListIdentityProviders(ctx context.Context) ([]IdentityProvider, error)
	CreateOneTimePinProvider(ctx context.Context) (IdentityProvider, error)
}

// PagesAPI defines the static-host operations used by the Pages engine.
type PagesAPI interface {
	ListPagesDomains(ctx context.Context, project string) ([]PagesDomain, error)
	AddPagesDomain(ctx context.Context, project string, domain string) (PagesDomain, error)
}
