package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/quietfold/reportgate/internal/config"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Client implements the Cloudflare API for DNS records, Access resources,
// and Pages custom domains.
type Client struct {
	baseURL    *url.URL
	accountID  string
	zoneID     string
	token      string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a Cloudflare API client.
func NewClient(cfg config.CloudflareConfig) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid Cloudflare base URL: %w", err)
	}

	return &Client{
		baseURL:   parsed,
		accountID: cfg.AccountID,
		zoneID:    cfg.ZoneID,
		token:     cfg.APIToken,
		userAgent: "reportgate",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// ListDNSRecords returns zone records, optionally filtered by type and name.
func (client *Client) ListDNSRecords(ctx context.Context, recordType string, name string) ([]DNSRecord, error) {
	endpoint := client.dnsRecordsBase()
	query := endpoint.Query()
	if recordType != "" {
		query.Set("type", recordType)
	}
	if name != "" {
		query.Set("name", name)
	}
	endpoint.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	client.addHeaders(request)

	var response apiResponse[[]dnsRecordPayload]
	if err := client.do(request, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	records := make([]DNSRecord, 0, len(response.Result))
	for _, record := range response.Result {
		records = append(records, record.toRecord())
	}
	return records, nil
}

// CreateDNSRecord creates a new zone record.
func (client *Client) CreateDNSRecord(ctx context.Context, input DNSRecordInput) (DNSRecord, error) {
	return client.writeDNSRecord(ctx, http.MethodPost, client.dnsRecordsBase(), input)
}

// UpdateDNSRecord replaces an existing zone record.
func (client *Client) UpdateDNSRecord(ctx context.Context, id string, input DNSRecordInput) (DNSRecord, error) {
	endpoint := client.dnsRecordsBase()
	endpoint.Path = path.Join(endpoint.Path, id)
	return client.writeDNSRecord(ctx, http.MethodPut, endpoint, input)
}

// DeleteDNSRecord removes a zone record.
func (client *Client) DeleteDNSRecord(ctx context.Context, id string) error {
	endpoint := client.dnsRecordsBase()
	endpoint.Path = path.Join(endpoint.Path, id)

	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint.String(), nil)
	if err != nil {
		return err
	}
	client.addHeaders(request)

	var response apiResponse[map[string]any]
	if err := client.do(request, &response); err != nil {
		return err
	}
	return response.Err()
}

func (client *Client) writeDNSRecord(ctx context.Context, method string, endpoint *url.URL, input DNSRecordInput) (DNSRecord, error) {
	payload := dnsRecordPayload{
		Type:    input.Type,
		Name:    input.Name,
		Content: input.Content,
		Proxied: input.Proxied,
		TTL:     input.TTL,
		Comment: input.Comment,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return DNSRecord{}, err
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewBuffer(body))
	if err != nil {
		return DNSRecord{}, err
	}
	client.addHeaders(request)
	request.Header.Set("Content-Type", "application/json")

	var response apiResponse[dnsRecordPayload]
	if err := client.do(request, &response); err != nil {
		return DNSRecord{}, err
	}
	if err := response.Err(); err != nil {
		return DNSRecord{}, err
	}
	return response.Result.toRecord(), nil
}

// ListAccessApps returns all Access applications for the account.
func (client *Client) ListAccessApps(ctx context.Context) ([]AccessAppRecord, error) {
	endpoint := client.accessAppsBase().String()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	client.addHeaders(request)

	var response apiResponse[[]accessAppPayload]
	if err := client.do(request, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	apps := make([]AccessAppRecord, 0, len(response.Result))
	for _, app := range response.Result {
		apps = append(apps, app.toRecord())
	}
	return apps, nil
}

// CreateAccessApp creates a new Access application.
func (client *Client) CreateAccessApp(ctx context.Context, input AccessAppInput) (AccessAppRecord, error) {
	return client.writeAccessApp(ctx, http.MethodPost, client.accessAppsBase(), buildAppPayload(input))
}

// UpdateAccessApp updates an existing Access application.
func (client *Client) UpdateAccessApp(ctx context.Context, id string, input AccessAppInput) (AccessAppRecord, error) {
	endpoint := client.accessAppsBase()
	endpoint.Path = path.Join(endpoint.Path, id)
	return client.writeAccessApp(ctx, http.MethodPut, endpoint, buildAppPayload(input))
}

// DeleteAccessApp removes an Access application.
func (client *Client) DeleteAccessApp(ctx context.Context, id string) error {
	endpoint := client.accessAppsBase()
	endpoint.Path = path.Join(endpoint.Path, id)

	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint.String(), nil)
	if err != nil {
		return err
	}
	client.addHeaders(request)

	var response apiResponse[map[string]any]
	if err := client.do(request, &response); err != nil {
		return err
	}
	return response.Err()
}

// ListAccessPolicies returns all reusable Access policies for the account.
func (client *Client) ListAccessPolicies(ctx context.Context) ([]AccessPolicyRecord, error) {
	endpoint := client.accessPoliciesBase().String()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	client.addHeaders(request)

	var response apiResponse[[]accessPolicyPayload]
	if err := client.do(request, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	policies := make([]AccessPolicyRecord, 0, len(response.Result))
	for _, policy := range response.Result {
		policies = append(policies, policy.toRecord())
	}
	return policies, nil
}

// CreateAccessPolicy creates a new Access policy.
func (client *Client) CreateAccessPolicy(ctx context.Context, input AccessPolicyInput) (AccessPolicyRecord, error) {
	payload := accessPolicyPayload{
		Name:     input.Name,
		Decision: input.Action,
		Include:  buildAccessRules(input.Include),
	}
	return client.writeAccessPolicy(ctx, http.MethodPost, client.accessPoliciesBase(), payload)
}

// UpdateAccessPolicy updates an existing Access policy.
func (client *Client) UpdateAccessPolicy(ctx context.Context, id string, input AccessPolicyInput) (AccessPolicyRecord, error) {
	payload := accessPolicyPayload{
		Name:     input.Name,
		Decision: input.Action,
		Include:  buildAccessRules(input.Include),
	}
	endpoint := client.accessPoliciesBase()
	endpoint.Path = path.Join(endpoint.Path, id)
	return client.writeAccessPolicy(ctx, http.MethodPut, endpoint, payload)
}

// EnsureAccessTag ensures the Access tag exists.
func (client *Client) EnsureAccessTag(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}

	exists, err := client.accessTagExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	payload := accessTagPayload{Name: name}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := client.accessTagsBase().String()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	client.addHeaders(request)
	request.Header.Set("Content-Type", "application/json")

	var response apiResponse[accessTagPayload]
	if err := client.do(request, &response); err != nil {
		return err
	}
	return response.Err()
}

// ListIdentityProviders returns the login methods configured on the account.
func (client *Client) ListIdentityProviders(ctx context.Context) ([]IdentityProvider, error) {
	endpoint := client.identityProvidersBase().String()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	client.addHeaders(request)

	var response apiResponse[[]identityProviderPayload]
	if err := client.do(request, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	providers := make([]IdentityProvider, 0, len(response.Result))
	for _, provider := range response.Result {
		providers = append(providers, IdentityProvider{ID: provider.ID, Name: provider.Name, Type: provider.Type})
	}
	return providers, nil
}

// CreateOneTimePinProvider configures the email one-time PIN login method.
func (client *Client) CreateOneTimePinProvider(ctx context.Context) (IdentityProvider, error) {
	payload := identityProviderPayload{
		Name:   "One-time PIN",
		Type:   "onetimepin",
		Config: map[string]any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return IdentityProvider{}, err
	}

	endpoint := client.identityProvidersBase().String()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return IdentityProvider{}, err
	}
	client.addHeaders(request)
	request.Header.Set("Content-Type", "application/json")

	var response apiResponse[identityProviderPayload]
	if err := client.do(request, &response); err != nil {
		return IdentityProvider{}, err
	}
	if err := response.Err(); err != nil {
		return IdentityProvider{}, err
	}
	return IdentityProvider{ID: response.Result.ID, Name: response.Result.Name, Type: response.Result.Type}, nil
}

// ListPagesDomains returns the custom domains attached to a Pages project.
func (client *Client) ListPagesDomains(ctx context.Context, project string) ([]PagesDomain, error) {
	endpoint := client.pagesDomainsBase(project).String()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	client.addHeaders(request)

	var response apiResponse[[]pagesDomainPayload]
	if err := client.do(request, &response); err != nil {
		return nil, err
	}
	if err := response.Err(); err != nil {
		return nil, err
	}

	domains := make([]PagesDomain, 0, len(response.Result))
	for _, domain := range response.Result {
		domains = append(domains, PagesDomain{ID: domain.ID, Name: domain.Name, Status: domain.Status})
	}
	return domains, nil
}

// AddPagesDomain attaches a custom domain to a Pages project.
func (client *Client) AddPagesDomain(ctx context.Context, project string, domain string) (PagesDomain, error) {
	payload := pagesDomainPayload{Name: domain}
	body, err := json.Marshal(payload)
	if err != nil {
		return PagesDomain{}, err
	}

	endpoint := client.pagesDomainsBase(project).String()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return PagesDomain{}, err
	}
	client.addHeaders(request)
	request.Header.Set("Content-Type", "application/json")

	var response apiResponse[pagesDomainPayload]
	if err := client.do(request, &response); err != nil {
		return PagesDomain{}, err
	}
	if err := response.Err(); err != nil {
		return PagesDomain{}, err
	}
	return PagesDomain{ID: response.Result.ID, Name: response.Result.Name, Status: response.Result.Status}, nil
}

func (client *Client) accessTagExists(ctx context.Context, name string) (bool, error) {
	endpoint := client.accessTagsBase()
	endpoint.Path = path.Join(endpoint.Path, url.PathEscape(name))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return false, err
	}
	client.addHeaders(request)

	resp, err := client.httpClient.Do(request)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return false, fmt.Errorf("cloudflare API request failed with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var response apiResponse[accessTagPayload]
	if err := json.Unmarshal(body, &response); err != nil {
		return false, fmt.Errorf("cloudflare API returned non-JSON response with status %s: %w", resp.Status, err)
	}
	if err := response.Err(); err != nil {
		return false, err
	}
	return response.Result.Name != "", nil
}

func (client *Client) writeAccessApp(ctx context.Context, method string, endpoint *url.URL, payload accessAppWritePayload) (AccessAppRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return AccessAppRecord{}, err
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewBuffer(body))
	if err != nil {
		return AccessAppRecord{}, err
	}
	client.addHeaders(request)
	request.Header.Set("Content-Type", "application/json")

	var response apiResponse[accessAppPayload]
	if err := client.do(request, &response); err != nil {
		return AccessAppRecord{}, err
	}
	if err := response.Err(); err != nil {
		return AccessAppRecord{}, err
	}
	return response.Result.toRecord(), nil
}

func (client *Client) writeAccessPolicy(ctx context.Context, method string, endpoint *url.URL, payload accessPolicyPayload) (AccessPolicyRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return AccessPolicyRecord{}, err
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewBuffer(body))
	if err != nil {
		return AccessPolicyRecord{}, err
	}
	client.addHeaders(request)
	request.Header.Set("Content-Type", "application/json")

	var response apiResponse[accessPolicyPayload]
	if err := client.do(request, &response); err != nil {
		return AccessPolicyRecord{}, err
	}
	if err := response.Err(); err != nil {
		return AccessPolicyRecord{}, err
	}
	return response.Result.toRecord(), nil
}

func (client *Client) addHeaders(request *http.Request) {
	request.Header.Set("Authorization", "Bearer "+client.token)
	request.Header.Set("User-Agent", client.userAgent)
}

func (client *Client) dnsRecordsBase() *url.URL {
	base := *client.baseURL
	base.Path = path.Join(base.Path, "zones", client.zoneID, "dns_records")
	return &base
}

func (client *Client) accessAppsBase() *url.URL {
	base := *client.baseURL
	base.Path = path.Join(base.Path, "accounts", client.accountID, "access", "apps")
	return &base
}

func (client *Client) accessPoliciesBase() *url.URL {
	base := *client.baseURL
	base.Path = path.Join(base.Path, "accounts", client.accountID, "access", "policies")
	return &base
}

func (client *Client) accessTagsBase() *url.URL {
	base := *client.baseURL
	base.Path = path.Join(base.Path, "accounts", client.accountID, "access", "tags")
	return &base
}

func (client *Client) identityProvidersBase() *url.URL {
	base := *client.baseURL
	base.Path = path.Join(base.Path, "accounts", client.accountID, "access", "identity_providers")
	return &base
}

func (client *Client) pagesDomainsBase(project string) *url.URL {
	base := *client.baseURL
	base.Path = path.Join(base.Path, "accounts", client.accountID, "pages", "projects", project, "domains")
	return &base
}

type apiResponse[T any] struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
	Result  T          `json:"result"`
}

func (response apiResponse[T]) Err() error {
	if response.Success {
		return nil
	}
	return fmt.Errorf("cloudflare API error: %s", joinErrors(response.Errors))
}

func (response apiResponse[T]) ErrorSummary() string {
	return joinErrors(response.Errors)
}

type apiError struct {
	Message string `json:"message"`
}

type dnsRecordPayload struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl,omitempty"`
	Comment string `json:"comment,omitempty"`
}

func (payload dnsRecordPayload) toRecord() DNSRecord {
	return DNSRecord{
		ID:      payload.ID,
		Type:    payload.Type,
		Name:    payload.Name,
		Content: payload.Content,
		Proxied: payload.Proxied,
		TTL:     payload.TTL,
		Comment: payload.Comment,
	}
}

type accessAppPayload struct {
	ID              string            `json:"id,omitempty"`
	Name            string            `json:"name,omitempty"`
	Domain          string            `json:"domain,omitempty"`
	Type            string            `json:"type,omitempty"`
	SessionDuration string            `json:"session_duration,omitempty"`
	AUD             string            `json:"aud,omitempty"`
	AllowedIdPs     []string          `json:"allowed_idps,omitempty"`
	Policies        []json.RawMessage `json:"policies,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
}

func (payload accessAppPayload) toRecord() AccessAppRecord {
	return AccessAppRecord{
		ID:              payload.ID,
		Name:            payload.Name,
		Domain:          payload.Domain,
		Type:            payload.Type,
		SessionDuration: payload.SessionDuration,
		AUD:             payload.AUD,
		AllowedIdPs:     payload.AllowedIdPs,
		Policies:        parsePolicyRefs(payload.Policies),
		Tags:            payload.Tags,
	}
}

type accessAppWritePayload struct {
	Name            string                   `json:"name,omitempty"`
	Domain          string                   `json:"domain,omitempty"`
	Type            string                   `json:"type,omitempty"`
	SessionDuration string                   `json:"session_duration,omitempty"`
	AllowedIdPs     []string                 `json:"allowed_idps,omitempty"`
	Policies        []accessPolicyRefPayload `json:"policies,omitempty"`
	Tags            []string                 `json:"tags,omitempty"`
}

func buildAppPayload(input AccessAppInput) accessAppWritePayload {
	return accessAppWritePayload{
		Name:            input.Name,
		Domain:          input.Domain,
		Type:            accessAppType(input.Type),
		SessionDuration: input.SessionDuration,
		AllowedIdPs:     input.AllowedIdPs,
		Policies:        encodePolicyRefs(input.Policies),
		Tags:            input.Tags,
	}
}

type accessPolicyRefPayload struct {
	ID         string `json:"id"`
	Precedence int    `json:"precedence,omitempty"`
}

type accessPolicyPayload struct {
	ID       string                         `json:"id,omitempty"`
	Name     string                         `json:"name"`
	Decision string                         `json:"decision"`
	Include  []map[string]map[string]string `json:"include"`
}

func (payload accessPolicyPayload) toRecord() AccessPolicyRecord {
	include, unsupported := parseAccessRules(payload.Include)
	return AccessPolicyRecord{
		ID:                  payload.ID,
		Name:                payload.Name,
		Action:              payload.Decision,
		Include:             include,
		HasUnsupportedRules: unsupported,
	}
}

type accessTagPayload struct {
	Name string `json:"name"`
}

type identityProviderPayload struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

type pagesDomainPayload struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

func (client *Client) do(request *http.Request, response any) error {
	resp, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("cloudflare API returned empty response with status %s", resp.Status)
	}
	if err := json.Unmarshal(body, response); err != nil {
		return fmt.Errorf("cloudflare API returned non-JSON response with status %s: %w", resp.Status, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		summary := ""
		if payload, ok := response.(interface{ ErrorSummary() string }); ok {
			summary = strings.TrimSpace(payload.ErrorSummary())
		}
		if summary == "" || summary == "unknown error" {
			summary = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("cloudflare API request failed with status %s: %s", resp.Status, summary)
	}

	return nil
}

func accessAppType(value string) string {
	if strings.TrimSpace(value) == "" {
		return "self_hosted"
	}
	return value
}

func parsePolicyRefs(raw []json.RawMessage) []AccessPolicyRef {
	refs := make([]AccessPolicyRef, 0, len(raw))
	for index, item := range raw {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			if id != "" {
				refs = append(refs, AccessPolicyRef{ID: id, Precedence: index + 1})
			}
			continue
		}
		var payload struct {
			ID         string `json:"id"`
			Precedence int    `json:"precedence"`
		}
		if err := json.Unmarshal(item, &payload); err == nil {
			if payload.ID != "" {
				precedence := payload.Precedence
				if precedence == 0 {
					precedence = index + 1
				}
				refs = append(refs, AccessPolicyRef{ID: payload.ID, Precedence: precedence})
			}
		}
	}
	return refs
}

func encodePolicyRefs(refs []AccessPolicyRef) []accessPolicyRefPayload {
	payloads := make([]accessPolicyRefPayload, 0, len(refs))
	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		payloads = append(payloads, accessPolicyRefPayload{ID: ref.ID, Precedence: ref.Precedence})
	}
	return payloads
}

func buildAccessRules(rules []AccessRule) []map[string]map[string]string {
	result := make([]map[string]map[string]string, 0, len(rules))
	for _, rule := range rules {
		if rule.Email != "" {
			result = append(result, map[string]map[string]string{"email": {"email": rule.Email}})
		}
		if rule.Everyone {
			result = append(result, map[string]map[string]string{"everyone": {}})
		}
	}
	return result
}

func parseAccessRules(raw []map[string]map[string]string) ([]AccessRule, bool) {
	result := []AccessRule{}
	unsupported := false
	for _, entry := range raw {
		for key, value := range entry {
			switch key {
			case "email":
				if email, ok := value["email"]; ok && email != "" {
					result = append(result, AccessRule{Email: email})
				}
			case "everyone":
				result = append(result, AccessRule{Everyone: true})
			default:
				unsupported = true
			}
		}
	}
	return result, unsupported
}

func joinErrors(errors []apiError) string {
	if len(errors) == 0 {
		return "unknown error"
	}
	messages := make([]string, 0, len(errors))
	for _, item := range errors {
		messages = append(messages, item.Message)
	}
	return strings.Join(messages, "; ")
}
