package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentoven/supportdesk/internal/auth"
	"github.com/agentoven/supportdesk/pkg/contracts"
)

var secret = []byte("test-secret")

func hmacKey(*jwt.Token) (interface{}, error) { return secret, nil }

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func newChain() *auth.ProviderChain {
	c := auth.NewProviderChain()
	c.RegisterProvider(auth.NewAPIKeyProvider("k-admin=ops-1, k-agent=agent-7:agent, broken"))
	c.RegisterProvider(auth.NewJWTProvider(hmacKey, "https://shop.example", "HS256"))
	c.RegisterProvider(auth.NewHeaderProvider(false))
	return c
}

func TestChain(t *testing.T) {
	valid := sign(t, jwt.MapClaims{
		"sub": "demo-user", "iss": "https://shop.example", "email": "d@example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	staffToken := sign(t, jwt.MapClaims{
		"sub": "agent-9", "iss": "https://shop.example", "role": "agent",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	expired := sign(t, jwt.MapClaims{
		"sub": "demo-user", "iss": "https://shop.example",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongIssuer := sign(t, jwt.MapClaims{
		"sub": "demo-user", "iss": "https://evil.example",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name     string
		headers  map[string]string
		subject  string
		role     string
		provider string
		wantErr  error
	}{
		{"anonymous", nil, "", "", "", nil},
		{"api key header", map[string]string{"X-API-Key": "k-admin"}, "ops-1", contracts.RoleAdmin, "apikey", nil},
		{"api key bearer", map[string]string{"Authorization": "Bearer k-agent"}, "agent-7", contracts.RoleAgent, "apikey", nil},
		{"bad api key", map[string]string{"X-API-Key": "nope"}, "", "", "", auth.ErrInvalidAPIKey},
		{"customer jwt", map[string]string{"Authorization": "Bearer " + valid}, "demo-user", contracts.RoleCustomer, "jwt", nil},
		{"staff jwt", map[string]string{"Authorization": "Bearer " + staffToken}, "agent-9", contracts.RoleAgent, "jwt", nil},
		{"expired jwt", map[string]string{"Authorization": "Bearer " + expired}, "", "", "", auth.ErrInvalidToken},
		{"wrong issuer", map[string]string{"Authorization": "Bearer " + wrongIssuer}, "", "", "", auth.ErrInvalidToken},
		{"dev headers disabled", map[string]string{"X-User-Id": "demo-user"}, "", "", "", nil},
	}
	chain := newChain()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/conversations", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			id, err := chain.Authenticate(context.Background(), r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if tt.subject == "" {
				if id != nil {
					t.Fatalf("Authenticate() = %+v, want anonymous", id)
				}
				return
			}
			if id == nil || id.Subject != tt.subject || id.Role != tt.role || id.Provider != tt.provider {
				t.Errorf("Authenticate() = %+v, want %s/%s/%s", id, tt.subject, tt.role, tt.provider)
			}
		})
	}
}

func TestHeaderProvider(t *testing.T) {
	p := auth.NewHeaderProvider(true)
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Agent-Id", "agent-a")
	r.Header.Set("X-User-Id", "demo-user")

	id, err := p.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.Subject != "agent-a" || !id.IsStaff() {
		t.Errorf("Authenticate() = %+v, want agent-a as staff", id)
	}
}

type stubProvider struct {
	id *contracts.Identity
}

func (stubProvider) Name() string  { return "stub" }
func (stubProvider) Enabled() bool { return true }
func (p stubProvider) Authenticate(context.Context, *http.Request) (*contracts.Identity, error) {
	return p.id, nil
}

func TestChainNormalisesIdentity(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)

	c := auth.NewProviderChain()
	c.RegisterProvider(stubProvider{id: &contracts.Identity{Subject: "u-1"}})
	id, err := c.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.Role != contracts.RoleCustomer || id.Provider != "stub" {
		t.Errorf("Authenticate() = %+v, want customer via stub", id)
	}

	c = auth.NewProviderChain()
	c.RegisterProvider(stubProvider{id: &contracts.Identity{Role: contracts.RoleAdmin}})
	if _, err := c.Authenticate(context.Background(), r); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("Authenticate() error = %v, want %v", err, auth.ErrInvalidToken)
	}
	if got := c.ListProviders(); len(got) != 1 || got[0] != "stub" {
		t.Errorf("ListProviders() = %v", got)
	}
}
