package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
)

const (
	// CloudflareAPIBase is the Cloudflare v4 REST endpoint
	CloudflareAPIBase = "https://api.cloudflare.com/client/v4"

	maxErrorBodySize = 64 * 1024
	maxResponseSize  = 4 * 1024 * 1024
	txtRecordTTL     = 120
	cloudflareName   = "cloudflare"
)

// Cloudflare error codes that mean the token is bad or lacks permission
var cloudflareAuthCodes = map[int]bool{
	9103:  true,
	9109:  true,
	10000: true,
	10001: true,
}

// Zone is a Cloudflare DNS zone
type Zone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	NameServers []string `json:"name_servers"`
}

// DNSRecord is a record inside a Cloudflare zone
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type cloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cloudflareEnvelope struct {
	Success bool              `json:"success"`
	Errors  []cloudflareError `json:"errors"`
	Result  json.RawMessage   `json:"result"`
}

// CloudflareClient is a small client for the zone and DNS record endpoints
type CloudflareClient struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
	accountID  string
	retry      Policy
}

// NewCloudflareClient creates a client authenticated with an API token
func NewCloudflareClient(apiToken, accountID string, retry Policy) *CloudflareClient {
	return &CloudflareClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    CloudflareAPIBase,
		apiToken:   apiToken,
		accountID:  accountID,
		retry:      retry,
	}
}

// WithBaseURL points the client at another endpoint
func (c *CloudflareClient) WithBaseURL(baseURL string) *CloudflareClient {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *CloudflareClient) fail(operation string, kind apperror.ProviderErrorKind, status int, err error) error {
	return &apperror.ProviderAPIError{
		Provider:   cloudflareName,
		Operation:  operation,
		Kind:       kind,
		StatusCode: status,
		Err:        err,
	}
}

// do executes one API call with retries and decodes the envelope's result into out
func (c *CloudflareClient) do(ctx context.Context, operation, method, path string, query url.Values, body, out interface{}) error {
	if c.apiToken == "" {
		return c.fail(operation, apperror.KindAuth, 0, errors.New("CLOUDFLARE_API_TOKEN is not configured"))
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = data
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return c.retry.Do(ctx, cloudflareName, operation, func(ctx context.Context) error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return c.fail(operation, apperror.KindTransient, 0, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			return c.fail(operation, apperror.KindTransient, resp.StatusCode, errors.New(strings.TrimSpace(string(msg))))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			return c.fail(operation, apperror.KindAuth, resp.StatusCode, errors.New(strings.TrimSpace(string(msg))))
		}

		var env cloudflareEnvelope
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&env); err != nil {
			return c.fail(operation, apperror.KindPermanent, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
		}
		if !env.Success || resp.StatusCode >= 400 {
			kind := apperror.KindPermanent
			msgs := make([]string, 0, len(env.Errors))
			for _, e := range env.Errors {
				if cloudflareAuthCodes[e.Code] {
					kind = apperror.KindAuth
				}
				msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
			}
			if len(msgs) == 0 {
				msgs = append(msgs, "request was not successful")
			}
			return c.fail(operation, kind, resp.StatusCode, errors.New(strings.Join(msgs, "; ")))
		}

		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return c.fail(operation, apperror.KindPermanent, resp.StatusCode, fmt.Errorf("failed to decode result: %w", err))
			}
		}
		return nil
	})
}

// FindZone returns the zone for domain, or nil when the account has none
func (c *CloudflareClient) FindZone(ctx context.Context, domain string) (*Zone, error) {
	var zones []Zone
	if err := c.do(ctx, "get_zone", http.MethodGet, "/zones", url.Values{"name": {domain}}, nil, &zones); err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, nil
	}
	return &zones[0], nil
}

// CreateZone adds domain to the account
func (c *CloudflareClient) CreateZone(ctx context.Context, domain string) (*Zone, error) {
	body := map[string]interface{}{
		"name":       domain,
		"jump_start": true,
	}
	if c.accountID != "" {
		body["account"] = map[string]string{"id": c.accountID}
	}
	var zone Zone
	if err := c.do(ctx, "create_zone", http.MethodPost, "/zones", nil, body, &zone); err != nil {
		return nil, err
	}
	return &zone, nil
}

// GetOrCreateZone finds the zone for domain, creating it when absent
func (c *CloudflareClient) GetOrCreateZone(ctx context.Context, domain string) (*Zone, bool, error) {
	zone, err := c.FindZone(ctx, domain)
	if err != nil {
		return nil, false, err
	}
	if zone != nil {
		return zone, false, nil
	}
	zone, err = c.CreateZone(ctx, domain)
	if err != nil {
		return nil, false, err
	}
	return zone, true, nil
}

// ListRecords returns records in the zone filtered by type and, when set, full name
func (c *CloudflareClient) ListRecords(ctx context.Context, zoneID, recordType, name string) ([]DNSRecord, error) {
	q := url.Values{"per_page": {"100"}}
	if recordType != "" {
		q.Set("type", recordType)
	}
	if name != "" {
		q.Set("name", name)
	}
	var records []DNSRecord
	if err := c.do(ctx, "list_records", http.MethodGet, "/zones/"+zoneID+"/dns_records", q, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CreateRecord adds a record to the zone
func (c *CloudflareClient) CreateRecord(ctx context.Context, zoneID string, rec DNSRecord) (*DNSRecord, error) {
	rec.ID = ""
	var created DNSRecord
	if err := c.do(ctx, "create_record", http.MethodPost, "/zones/"+zoneID+"/dns_records", nil, rec, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateRecord replaces an existing record
func (c *CloudflareClient) UpdateRecord(ctx context.Context, zoneID, recordID string, rec DNSRecord) error {
	rec.ID = ""
	return c.do(ctx, "update_record", http.MethodPut, "/zones/"+zoneID+"/dns_records/"+recordID, nil, rec, nil)
}

// DeleteRecord removes a record
func (c *CloudflareClient) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	return c.do(ctx, "delete_record", http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+recordID, nil, nil, nil)
}

// CloudflareAdapter manages domains whose nameservers already point at Cloudflare
type CloudflareAdapter struct {
	client   *CloudflareClient
	serverIP string
	ttl      int
}

// NewCloudflareAdapter creates an adapter pointing A records at serverIP
func NewCloudflareAdapter(client *CloudflareClient, serverIP string) *CloudflareAdapter {
	return &CloudflareAdapter{client: client, serverIP: serverIP, ttl: DefaultTTL}
}

// Name implements Provider
func (a *CloudflareAdapter) Name() models.DomainProvider {
	return models.ProviderCloudflare
}

// SetupDomain ensures the zone exists and @, www and * point at the server
func (a *CloudflareAdapter) SetupDomain(ctx context.Context, domain string) (*Result, error) {
	res := &Result{}
	zone, err := a.prepareZone(ctx, domain, res)
	if err != nil {
		return res, err
	}
	res.Nameservers = zone.NameServers
	return res, a.syncARecords(ctx, zone.ID, domain, res)
}

// AddTxtRecord upserts a TXT record so exactly one record with the name holds value
func (a *CloudflareAdapter) AddTxtRecord(ctx context.Context, domain, name, value string) (*Result, error) {
	res := &Result{}
	zone, err := a.prepareZone(ctx, domain, res)
	if err != nil {
		return res, err
	}

	fqdn := qualify(name, domain)
	existing, err := a.client.ListRecords(ctx, zone.ID, "TXT", fqdn)
	if err != nil {
		res.logf("Failed to list TXT records for %s: %v", fqdn, err)
		return res, err
	}

	want := DNSRecord{Type: "TXT", Name: fqdn, Content: value, TTL: txtRecordTTL}
	if len(existing) == 0 {
		if _, err := a.client.CreateRecord(ctx, zone.ID, want); err != nil {
			res.record(fqdn, "TXT", ActionFailed, err)
			res.logf("Failed to create TXT record %s: %v", fqdn, err)
			return res, err
		}
		res.record(fqdn, "TXT", ActionCreated, nil)
		res.logf("Created TXT record %s", fqdn)
		return res, nil
	}

	first := existing[0]
	if unquote(first.Content) == value {
		res.record(fqdn, "TXT", ActionUnchanged, nil)
		res.logf("TXT record %s already holds the value", fqdn)
	} else {
		if err := a.client.UpdateRecord(ctx, zone.ID, first.ID, want); err != nil {
			res.record(fqdn, "TXT", ActionFailed, err)
			res.logf("Failed to update TXT record %s: %v", fqdn, err)
			return res, err
		}
		res.record(fqdn, "TXT", ActionUpdated, nil)
		res.logf("Updated TXT record %s", fqdn)
	}

	for _, dup := range existing[1:] {
		if err := a.client.DeleteRecord(ctx, zone.ID, dup.ID); err != nil {
			res.record(fqdn, "TXT", ActionFailed, err)
			res.logf("Failed to delete duplicate TXT record %s (%s): %v", fqdn, dup.ID, err)
			return res, err
		}
		res.record(fqdn, "TXT", ActionDeleted, nil)
		res.logf("Deleted duplicate TXT record %s (%s)", fqdn, dup.ID)
	}
	return res, nil
}

func (a *CloudflareAdapter) prepareZone(ctx context.Context, domain string, res *Result) (*Zone, error) {
	zone, created, err := a.client.GetOrCreateZone(ctx, domain)
	if err != nil {
		res.logf("Failed to get or create Cloudflare zone for %s: %v", domain, err)
		return nil, err
	}
	if created {
		res.logf("Created Cloudflare zone %s (%s)", domain, zone.ID)
	} else {
		res.logf("Using Cloudflare zone %s (%s)", domain, zone.ID)
	}
	return zone, nil
}

// syncARecords upserts the root, www and wildcard A records. Every record is
// attempted; the error names which ones succeeded so the call can be repeated.
// Each name is looked up on its own so large zones never hide an existing record.
func (a *CloudflareAdapter) syncARecords(ctx context.Context, zoneID, domain string, res *Result) error {
	var (
		updated, created, unchanged int
		firstErr                    error
	)
	for _, label := range []string{"@", "www", "*"} {
		fqdn := qualify(label, domain)
		want := DNSRecord{Type: "A", Name: fqdn, Content: a.serverIP, TTL: a.ttl, Proxied: false}

		existing, err := a.client.ListRecords(ctx, zoneID, "A", fqdn)
		if err != nil {
			res.record(label, "A", ActionFailed, err)
			res.logf("FAILED to look up A record for %s: %v", label, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var current DNSRecord
		ok := len(existing) > 0
		if ok {
			current = existing[0]
		}

		switch {
		case !ok:
			if _, err := a.client.CreateRecord(ctx, zoneID, want); err != nil {
				res.record(label, "A", ActionFailed, err)
				res.logf("FAILED to create A record for %s: %v", label, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			created++
			res.record(label, "A", ActionCreated, nil)
			res.logf("Created A record for %s -> %s", label, a.serverIP)
		case current.Content != a.serverIP || current.TTL != a.ttl || current.Proxied:
			if err := a.client.UpdateRecord(ctx, zoneID, current.ID, want); err != nil {
				res.record(label, "A", ActionFailed, err)
				res.logf("FAILED to update A record for %s: %v", label, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			updated++
			res.record(label, "A", ActionUpdated, nil)
			res.logf("Updated A record for %s: %s -> %s", label, current.Content, a.serverIP)
		default:
			unchanged++
			res.record(label, "A", ActionUnchanged, nil)
			res.logf("%s already points to %s", label, a.serverIP)
		}
	}

	res.logf("Summary: %d updated, %d created, %d unchanged", updated, created, unchanged)
	if firstErr != nil {
		logger.WithFields(map[string]interface{}{
			"domain":    domain,
			"succeeded": res.Succeeded(),
			"failed":    res.Failed(),
		}).Warn("DNS record sync incomplete")
		return fmt.Errorf("dns sync incomplete (succeeded: %s; failed: %s): %w",
			strings.Join(res.Succeeded(), ", "), strings.Join(res.Failed(), ", "), firstErr)
	}
	return nil
}

// qualify expands a relative record name ("@", "www", "_acme-challenge") to a full name
func qualify(name, domain string) string {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	domain = strings.ToLower(domain)
	switch {
	case name == "" || name == "@":
		return domain
	case name == domain || strings.HasSuffix(name, "."+domain):
		return name
	default:
		return name + "." + domain
	}
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
