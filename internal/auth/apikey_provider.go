package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/supportdesk/pkg/contracts"
)

// ErrInvalidAPIKey is returned for a presented key that is not configured.
var ErrInvalidAPIKey = errors.New("invalid API key")

type apiKey struct {
	key     string
	agentID string
	role    string
}

// APIKeyProvider authenticates support staff by API key, read from the
// X-API-Key header or from an Authorization: Bearer value that is not a JWT.
//
// Config: SUPPORTDESK_API_KEYS="key=agent-id[:role],..." (role defaults to admin).
type APIKeyProvider struct {
	mu   sync.RWMutex
	keys []apiKey
}

// NewAPIKeyProvider parses the key list. Malformed entries are skipped.
func NewAPIKeyProvider(spec string) *APIKeyProvider {
	p := &APIKeyProvider{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		key, who, ok := strings.Cut(entry, "=")
		if !ok || key == "" || who == "" {
			continue
		}
		agentID, role, _ := strings.Cut(who, ":")
		switch role {
		case contracts.RoleAgent, contracts.RoleAdmin:
		default:
			role = contracts.RoleAdmin
		}
		p.AddKey(strings.TrimSpace(key), strings.TrimSpace(agentID), role)
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate returns (nil, nil) when the request carries no API key.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	candidate := extractAPIKeyFromRequest(r)
	if candidate == "" {
		return nil, nil
	}
	k, ok := p.lookup(candidate)
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return &contracts.Identity{
		Subject:   k.agentID,
		Provider:  "apikey",
		Role:      k.role,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *APIKeyProvider) lookup(candidate string) (apiKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k.key)) == 1 {
			return k, true
		}
	}
	return apiKey{}, false
}

// AddKey adds a key at runtime.
func (p *APIKeyProvider) AddKey(key, agentID, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, apiKey{key: key, agentID: agentID, role: role})
}

func extractAPIKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Bearer values shaped like a JWT belong to the JWT provider.
	if token := bearerToken(r.Header.Get("Authorization")); token != "" && strings.Count(token, ".") != 2 {
		return token
	}
	return ""
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
