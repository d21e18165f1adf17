package statusws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{
		"https://app.example.com",
		"https://*.tenant.example.com",
		"http://localhost:3000",
		"",          // blank entries are skipped
		"not a url", // unparseable entries are skipped
	})

	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true}, // scheme and host are case-insensitive
		{"http://app.example.com", false}, // scheme must match
		{"https://app.example.com:8443", false}, // port must match exactly
		{"https://evil.com", false},

		// Wildcard matches subdomains only, never the apex.
		{"https://a.tenant.example.com", true},
		{"https://x.y.tenant.example.com", true},
		{"https://tenant.example.com", false},
		{"https://eviltenant.example.com", false},

		// Explicit ports compare as strings.
		{"http://localhost:3000", true},
		{"http://localhost", false},
		{"http://localhost:3001", false},

		{"", false},
		{"null", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Allows(tc.origin), "origin %q", tc.origin)
	}
}

func TestEmptyPolicyRejectsEverything(t *testing.T) {
	p := NewOriginPolicy(nil)
	assert.False(t, p.Allows("https://app.example.com"))
}
