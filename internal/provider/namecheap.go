package provider

import (
	"context"
	"encoding/xml"
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
	// NamecheapAPIBase is the production XML API endpoint
	NamecheapAPIBase = "https://api.namecheap.com/xml.response"

	namecheapName = "namecheap"
)

// Namecheap error numbers for bad credentials or an unlisted client IP
var namecheapAuthErrors = map[string]bool{
	"1011102": true,
	"1011150": true,
	"1010101": true,
}

var namecheapAuthPhrases = []string{
	"ip is not whitelisted",
	"ip is not in whitelist",
	"unauthorized",
	"api key is invalid",
	"api access has not been enabled",
}

type namecheapError struct {
	Number string `xml:"Number,attr"`
	Text   string `xml:",chardata"`
}

type namecheapResponse struct {
	XMLName         xml.Name         `xml:"ApiResponse"`
	Status          string           `xml:"Status,attr"`
	Errors          []namecheapError `xml:"Errors>Error"`
	CommandResponse struct {
		SetCustom *struct {
			Domain  string `xml:"Domain,attr"`
			Updated string `xml:"Updated,attr"`
		} `xml:"DomainDNSSetCustomResult"`
	} `xml:"CommandResponse"`
}

// NamecheapCredentials are the API access settings
type NamecheapCredentials struct {
	APIUser  string
	APIKey   string
	Username string
	ClientIP string
}

// NamecheapClient calls the Namecheap XML API
type NamecheapClient struct {
	httpClient *http.Client
	baseURL    string
	creds      NamecheapCredentials
	retry      Policy
}

// NewNamecheapClient creates a client for the given endpoint
func NewNamecheapClient(baseURL string, creds NamecheapCredentials, retry Policy) *NamecheapClient {
	if baseURL == "" {
		baseURL = NamecheapAPIBase
	}
	if creds.Username == "" {
		creds.Username = creds.APIUser
	}
	return &NamecheapClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		creds:      creds,
		retry:      retry,
	}
}

func (c *NamecheapClient) fail(operation string, kind apperror.ProviderErrorKind, status int, err error) error {
	return &apperror.ProviderAPIError{
		Provider:   namecheapName,
		Operation:  operation,
		Kind:       kind,
		StatusCode: status,
		Err:        err,
	}
}

// splitDomain splits on the first dot: "example.co.uk" -> ("example", "co.uk")
func splitDomain(domain string) (string, string, error) {
	sld, tld, ok := strings.Cut(strings.ToLower(strings.TrimSpace(domain)), ".")
	if !ok || sld == "" || tld == "" {
		return "", "", apperror.NewValidation("domain", fmt.Sprintf("%q has no top-level domain", domain))
	}
	return sld, tld, nil
}

// SetCustomNameservers points the domain at the given nameservers
func (c *NamecheapClient) SetCustomNameservers(ctx context.Context, domain string, nameservers []string) error {
	const operation = "set_nameservers"

	sld, tld, err := splitDomain(domain)
	if err != nil {
		return err
	}
	if c.creds.APIUser == "" || c.creds.APIKey == "" || c.creds.ClientIP == "" {
		return c.fail(operation, apperror.KindAuth, 0, errors.New("namecheap API credentials are not configured"))
	}

	params := url.Values{
		"ApiUser":     {c.creds.APIUser},
		"ApiKey":      {c.creds.APIKey},
		"UserName":    {c.creds.Username},
		"ClientIp":    {c.creds.ClientIP},
		"Command":     {"namecheap.domains.dns.setCustom"},
		"SLD":         {sld},
		"TLD":         {tld},
		"NameServers": {strings.Join(nameservers, ",")},
	}

	return c.retry.Do(ctx, namecheapName, operation, func(ctx context.Context) error {
		resp, err := c.get(ctx, params)
		if err != nil {
			return c.fail(operation, apperror.KindTransient, 0, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return c.fail(operation, apperror.KindTransient, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return c.fail(operation, apperror.KindTransient, resp.StatusCode, errors.New(truncate(string(body))))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return c.fail(operation, apperror.KindAuth, resp.StatusCode, errors.New(truncate(string(body))))
		case resp.StatusCode >= 400:
			return c.fail(operation, apperror.KindPermanent, resp.StatusCode, errors.New(truncate(string(body))))
		}

		var parsed namecheapResponse
		if err := xml.Unmarshal(body, &parsed); err != nil {
			return c.fail(operation, apperror.KindPermanent, resp.StatusCode, fmt.Errorf("failed to parse XML: %w", err))
		}

		if !strings.EqualFold(parsed.Status, "OK") {
			kind := apperror.KindPermanent
			msgs := make([]string, 0, len(parsed.Errors))
			for _, e := range parsed.Errors {
				text := strings.TrimSpace(e.Text)
				if isNamecheapAuthError(e.Number, text) {
					kind = apperror.KindAuth
				}
				msgs = append(msgs, text)
			}
			if len(msgs) == 0 {
				msgs = append(msgs, "status "+parsed.Status)
			}
			return c.fail(operation, kind, resp.StatusCode, errors.New(strings.Join(msgs, "; ")))
		}

		result := parsed.CommandResponse.SetCustom
		if result == nil {
			return c.fail(operation, apperror.KindPermanent, resp.StatusCode, errors.New("response has no DomainDNSSetCustomResult"))
		}
		if !strings.EqualFold(result.Updated, "true") {
			return c.fail(operation, apperror.KindPermanent, resp.StatusCode, fmt.Errorf("nameservers for %s were not updated", domain))
		}
		return nil
	})
}

func (c *NamecheapClient) get(ctx context.Context, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.httpClient.Do(req)
}

func isNamecheapAuthError(number, text string) bool {
	if namecheapAuthErrors[number] {
		return true
	}
	lower := strings.ToLower(text)
	for _, phrase := range namecheapAuthPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}

// NamecheapAdapter manages domains still delegated to Namecheap. Setup
// prepares the Cloudflare zone and moves the domain's nameservers there.
type NamecheapAdapter struct {
	registrar *NamecheapClient
	dns       *CloudflareAdapter
}

// NewNamecheapAdapter creates an adapter. registrar may be nil when Namecheap
// credentials are absent; nameserver changes then require manual action.
func NewNamecheapAdapter(registrar *NamecheapClient, dns *CloudflareAdapter) *NamecheapAdapter {
	return &NamecheapAdapter{registrar: registrar, dns: dns}
}

// Name implements Provider
func (a *NamecheapAdapter) Name() models.DomainProvider {
	return models.ProviderNamecheap
}

// SetupDomain syncs the A records in the Cloudflare zone and points the
// domain's nameservers at that zone. The migration completes asynchronously.
func (a *NamecheapAdapter) SetupDomain(ctx context.Context, domain string) (*Result, error) {
	res := &Result{}
	zone, err := a.dns.prepareZone(ctx, domain, res)
	if err != nil {
		return res, err
	}
	if err := a.dns.syncARecords(ctx, zone.ID, domain, res); err != nil {
		return res, err
	}

	res.Nameservers = zone.NameServers
	if len(zone.NameServers) == 0 {
		err := &apperror.ProviderAPIError{
			Provider:  cloudflareName,
			Operation: "get_nameservers",
			Kind:      apperror.KindPermanent,
			Err:       fmt.Errorf("zone %s reports no nameservers", domain),
		}
		res.logf("Cloudflare returned no nameservers for %s", domain)
		return res, err
	}
	res.logf("Cloudflare nameservers: %s", strings.Join(zone.NameServers, ", "))

	var setErr error
	if a.registrar == nil {
		setErr = &apperror.ProviderAPIError{
			Provider:  namecheapName,
			Operation: "set_nameservers",
			Kind:      apperror.KindAuth,
			Err:       errors.New("namecheap API credentials are not configured"),
		}
	} else {
		setErr = a.registrar.SetCustomNameservers(ctx, domain, zone.NameServers)
	}

	if setErr != nil {
		var pae *apperror.ProviderAPIError
		if errors.As(setErr, &pae) && pae.Kind == apperror.KindAuth {
			res.ManualActionRequired = true
			res.PendingMigration = true
			res.logf("MANUAL ACTION REQUIRED: set the nameservers of %s at Namecheap to: %s", domain, strings.Join(zone.NameServers, ", "))
			res.logf("Namecheap rejected the request: %v", setErr)
			logger.WithFields(map[string]interface{}{
				"domain":      domain,
				"nameservers": zone.NameServers,
				"error":       setErr.Error(),
			}).Warn("MANUAL ACTION REQUIRED: nameserver update rejected by Namecheap")
			return res, nil
		}
		res.logf("Failed to update nameservers at Namecheap: %v", setErr)
		return res, setErr
	}

	res.PendingMigration = true
	res.logf("Nameservers for %s updated at Namecheap", domain)
	res.logf("DNS propagation may take 24-48 hours; the domain will be marked active once Cloudflare nameservers are observed")
	return res, nil
}

// AddTxtRecord writes the record into the Cloudflare zone the domain is migrating to
func (a *NamecheapAdapter) AddTxtRecord(ctx context.Context, domain, name, value string) (*Result, error) {
	return a.dns.AddTxtRecord(ctx, domain, name, value)
}
