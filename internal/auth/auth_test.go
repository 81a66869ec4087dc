package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "surrounding space", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer    ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/sessions", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeSessions, " ", ScopeEvents}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeJournal))

	p, ok = Authenticate("reader", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeSessions))
	assert.True(t, HasAnyScope(p, ScopeJournal, ScopeEvents))
	assert.False(t, HasAnyScope(p, ScopeJournal))
	assert.Len(t, p.Scopes, 2)

	_, ok = Authenticate("nope", "admin", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", "", nil)
	assert.False(t, ok)
}

func TestPrincipalContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := PrincipalFromContext(r.Context())
	assert.False(t, ok)

	ctx := WithPrincipal(r.Context(), Principal{Token: "x"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "x", p.Token)
}
