package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv("SERVER_IP", "1.2.3.4")

	cfg := New()

	assert.Equal(t, "1.2.3.4", cfg.GetServerIP())
	assert.Equal(t, "8000", cfg.GetPort())
	assert.Equal(t, 3000, cfg.DefaultPort)
	assert.Equal(t, 1000, cfg.PortRangeSpan)
	assert.Equal(t, "nextjs_site_", cfg.PM2Prefix)
	assert.Equal(t, StoreJSON, cfg.GetSitesStore())
	assert.Equal(t, 3, cfg.ProviderMaxAttempts)
	assert.Equal(t, time.Second, cfg.ProviderBackoffBase)
	assert.Equal(t, 3, cfg.BulkMaxWorkers)
	assert.Equal(t, "1.2.3.4", cfg.NamecheapClientIP, "client ip falls back to the server ip")
	assert.False(t, cfg.HasRedis())
}

func TestNew_Overrides(t *testing.T) {
	t.Setenv("SERVER_IP", "10.0.0.1")
	t.Setenv("DEFAULT_PORT", "4000")
	t.Setenv("PORT_RANGE_SPAN", "50")
	t.Setenv("PROVIDER_BACKOFF_BASE", "250ms")
	t.Setenv("PROCESS_TIMEOUT", "30")
	t.Setenv("SITES_STORE", "SQLite")
	t.Setenv("CLOUDFLARE_NAMESERVERS", "Barbara.ns.cloudflare.com, vasilii.ns.cloudflare.com")
	t.Setenv("NAMECHEAP_API_USER", "user")
	t.Setenv("NAMECHEAP_API_KEY", "key")

	cfg := New()

	assert.Equal(t, 4000, cfg.DefaultPort)
	assert.Equal(t, 50, cfg.PortRangeSpan)
	assert.Equal(t, 250*time.Millisecond, cfg.ProviderBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, StoreSQLite, cfg.SitesStore)
	assert.Equal(t, []string{"barbara.ns.cloudflare.com", "vasilii.ns.cloudflare.com"}, cfg.CloudflareNameservers)
	assert.True(t, cfg.HasNamecheap())
	assert.Equal(t, "user", cfg.NamecheapUsername)
}

func TestNew_PanicsOnInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing server ip",
			env:  map[string]string{"SERVER_IP": ""},
		},
		{
			name: "unknown store",
			env:  map[string]string{"SERVER_IP": "1.2.3.4", "SITES_STORE": "mongo"},
		},
		{
			name: "port range overflows",
			env:  map[string]string{"SERVER_IP": "1.2.3.4", "DEFAULT_PORT": "65000", "PORT_RANGE_SPAN": "1000"},
		},
		{
			name: "non numeric port",
			env:  map[string]string{"SERVER_IP": "1.2.3.4", "DEFAULT_PORT": "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			require.Panics(t, func() { New() })
		})
	}
}
