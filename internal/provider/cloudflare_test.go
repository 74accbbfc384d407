package provider

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudflareAdapter_SetupDomainIdempotent(t *testing.T) {
	fake, client, _ := newCloudflareFixture(t)
	adapter := NewCloudflareAdapter(client, "1.2.3.4")
	ctx := context.Background()

	res, err := adapter.SetupDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderCloudflare, adapter.Name())
	assert.Equal(t, []string{"ada.ns.cloudflare.com", "bob.ns.cloudflare.com"}, res.Nameservers)
	assert.Contains(t, res.Log, "Summary: 0 updated, 3 created, 0 unchanged")
	assert.Equal(t, 1, fake.count("POST /zones"))

	for _, name := range []string{"example.com", "www.example.com", "*.example.com"} {
		recs := fake.recordsNamed("zone-example.com", "A", name)
		require.Len(t, recs, 1, name)
		assert.Equal(t, "1.2.3.4", recs[0].Content)
		assert.Equal(t, DefaultTTL, recs[0].TTL)
		assert.False(t, recs[0].Proxied)
	}

	res, err = adapter.SetupDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Contains(t, res.Log, "Summary: 0 updated, 0 created, 3 unchanged")
	assert.Equal(t, 1, fake.count("POST /zones"))
	for _, rec := range res.Records {
		assert.Equal(t, ActionUnchanged, rec.Action)
	}
}

func TestCloudflareAdapter_SetupDomainUpdatesStaleRecords(t *testing.T) {
	fake, client, _ := newCloudflareFixture(t)
	zone := fake.addZone("example.com")
	fake.addRecord(zone.ID, DNSRecord{Type: "A", Name: "example.com", Content: "9.9.9.9", TTL: 1})
	fake.addRecord(zone.ID, DNSRecord{Type: "A", Name: "www.example.com", Content: "1.2.3.4", TTL: DefaultTTL})

	res, err := NewCloudflareAdapter(client, "1.2.3.4").SetupDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Contains(t, res.Log, "Summary: 1 updated, 1 created, 1 unchanged")

	root := fake.recordsNamed(zone.ID, "A", "example.com")
	require.Len(t, root, 1)
	assert.Equal(t, "1.2.3.4", root[0].Content)
	assert.Equal(t, 0, fake.count("POST /zones"))
}

func TestCloudflareAdapter_SetupDomainLargeZone(t *testing.T) {
	fake, client, _ := newCloudflareFixture(t)
	zone := fake.addZone("example.com")
	for i := 0; i < 120; i++ {
		fake.addRecord(zone.ID, DNSRecord{Type: "A", Name: fmt.Sprintf("a%03d.example.com", i), Content: "5.5.5.5", TTL: DefaultTTL})
	}
	for _, name := range []string{"example.com", "www.example.com", "*.example.com"} {
		fake.addRecord(zone.ID, DNSRecord{Type: "A", Name: name, Content: "1.2.3.4", TTL: DefaultTTL})
	}

	res, err := NewCloudflareAdapter(client, "1.2.3.4").SetupDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Contains(t, res.Log, "Summary: 0 updated, 0 created, 3 unchanged")
	for _, name := range []string{"example.com", "www.example.com", "*.example.com"} {
		assert.Len(t, fake.recordsNamed(zone.ID, "A", name), 1, name)
	}
	assert.Equal(t, 0, fake.count("POST /zones/"+zone.ID+"/dns_records"))
}

func TestCloudflareAdapter_SetupDomainPartialFailure(t *testing.T) {
	fake, client, _ := newCloudflareFixture(t)
	fake.hook = func(r *http.Request, body map[string]interface{}) (int, string, bool) {
		if r.Method == http.MethodPost && body["name"] == "*.example.com" {
			return http.StatusBadRequest, `{"success":false,"errors":[{"code":81053,"message":"wildcard rejected"}]}`, true
		}
		return 0, "", false
	}

	res, err := NewCloudflareAdapter(client, "1.2.3.4").SetupDomain(context.Background(), "example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "succeeded: @, www")
	assert.Contains(t, err.Error(), "failed: *")
	assert.Equal(t, []string{"@", "www"}, res.Succeeded())
	assert.Equal(t, []string{"*"}, res.Failed())

	var pae *apperror.ProviderAPIError
	require.ErrorAs(t, err, &pae)
	assert.Equal(t, apperror.KindPermanent, pae.Kind)

	// retrying after the fault clears completes only the missing record
	fake.hook = nil
	res, err = NewCloudflareAdapter(client, "1.2.3.4").SetupDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Contains(t, res.Log, "Summary: 0 updated, 1 created, 2 unchanged")
}

func TestCloudflareAdapter_AddTxtRecordUpsert(t *testing.T) {
	fake, client, _ := newCloudflareFixture(t)
	adapter := NewCloudflareAdapter(client, "1.2.3.4")
	ctx := context.Background()
	const name = "_acme-challenge.example.com"

	_, err := adapter.AddTxtRecord(ctx, "example.com", "_acme-challenge", "first")
	require.NoError(t, err)
	_, err = adapter.AddTxtRecord(ctx, "example.com", "_acme-challenge", "second")
	require.NoError(t, err)

	recs := fake.recordsNamed("zone-example.com", "TXT", name)
	require.Len(t, recs, 1)
	assert.Equal(t, "second", recs[0].Content)

	res, err := adapter.AddTxtRecord(ctx, "example.com", name, "second")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, ActionUnchanged, res.Records[0].Action)
}

func TestCloudflareAdapter_AddTxtRecordRemovesDuplicates(t *testing.T) {
	fake, client, _ := newCloudflareFixture(t)
	zone := fake.addZone("example.com")
	const name = "_acme-challenge.example.com"
	fake.addRecord(zone.ID, DNSRecord{Type: "TXT", Name: name, Content: `"old-1"`, TTL: 120})
	fake.addRecord(zone.ID, DNSRecord{Type: "TXT", Name: name, Content: `"old-2"`, TTL: 120})

	_, err := NewCloudflareAdapter(client, "1.2.3.4").AddTxtRecord(context.Background(), "example.com", "_acme-challenge", "fresh")
	require.NoError(t, err)

	recs := fake.recordsNamed(zone.ID, "TXT", name)
	require.Len(t, recs, 1)
	assert.Equal(t, "fresh", recs[0].Content)
}

func TestCloudflareClient_RetriesTransient(t *testing.T) {
	fake, client, sleeps := newCloudflareFixture(t)
	failures := 2
	fake.hook = func(r *http.Request, body map[string]interface{}) (int, string, bool) {
		if r.Method == http.MethodGet && r.URL.Path == "/zones" && failures > 0 {
			failures--
			return http.StatusTooManyRequests, "slow down", true
		}
		return 0, "", false
	}

	zone, err := client.FindZone(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Nil(t, zone)
	assert.Equal(t, 3, fake.count("GET /zones"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestCloudflareClient_GivesUpAfterMaxAttempts(t *testing.T) {
	fake, client, _ := newCloudflareFixture(t)
	fake.hook = func(r *http.Request, body map[string]interface{}) (int, string, bool) {
		return http.StatusBadGateway, "upstream down", true
	}

	_, err := client.FindZone(context.Background(), "example.com")
	var pae *apperror.ProviderAPIError
	require.ErrorAs(t, err, &pae)
	assert.Equal(t, apperror.KindTransient, pae.Kind)
	assert.Equal(t, http.StatusBadGateway, pae.StatusCode)
	assert.Equal(t, 3, fake.count("GET /zones"))
}

func TestCloudflareClient_AuthNotRetried(t *testing.T) {
	tests := []struct {
		name  string
		token string
		hook  func(r *http.Request, body map[string]interface{}) (int, string, bool)
		calls int
	}{
		{
			name:  "http 403",
			token: "test-token",
			hook: func(r *http.Request, body map[string]interface{}) (int, string, bool) {
				return http.StatusForbidden, "forbidden", true
			},
			calls: 1,
		},
		{
			name:  "invalid token code in envelope",
			token: "wrong-token",
			calls: 1,
		},
		{
			name:  "token not configured",
			token: "",
			calls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, client, sleeps := newCloudflareFixture(t)
			client.apiToken = tt.token
			fake.hook = tt.hook

			_, err := client.FindZone(context.Background(), "example.com")
			var pae *apperror.ProviderAPIError
			require.ErrorAs(t, err, &pae)
			assert.Equal(t, apperror.KindAuth, pae.Kind)
			assert.False(t, pae.Retryable())
			assert.Equal(t, tt.calls, fake.count("GET /zones"))
			assert.Empty(t, sleeps.delays)
		})
	}
}

func TestQualify(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "@", want: "example.com"},
		{name: "", want: "example.com"},
		{name: "www", want: "www.example.com"},
		{name: "*", want: "*.example.com"},
		{name: "_acme-challenge.example.com.", want: "_acme-challenge.example.com"},
		{name: "Example.com", want: "example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qualify(tt.name, "example.com"))
		})
	}
	assert.Equal(t, "abc", unquote(`"abc"`))
	assert.Equal(t, "abc", unquote("abc"))
}
