package cdek

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/go-resty/resty/v2"
)

const (
	tokenPath = "/oauth/token"
	// tokenRefreshMargin is how long before expiry a token is replaced.
	tokenRefreshMargin = 60 * time.Second
)

// TokenCache hands out OAuth2 client_credentials access tokens, fetching a
// new one shortly before the cached one expires. Safe for concurrent use.
type TokenCache struct {
	http         *resty.Client
	clientID     string
	clientSecret string
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenCache(client *resty.Client, clientID, clientSecret string) *TokenCache {
	return &TokenCache{
		http:         client,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// ValidToken returns a token that stays valid for at least another minute.
func (t *TokenCache) ValidToken(ctx context.Context) (string, error) {
	if t.clientID == "" || t.clientSecret == "" {
		return "", domainErrors.NewGatewayError("cdek token", http.MethodPost, tokenPath, domainErrors.ErrNotConfigured)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.token != "" && now.Before(t.expiresAt.Add(-tokenRefreshMargin)) {
		return t.token, nil
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     t.clientID,
			"client_secret": t.clientSecret,
		}).
		Post(tokenPath)
	if err != nil {
		gwErr := domainErrors.NewGatewayError("cdek token", http.MethodPost, tokenPath, domainErrors.ErrShippingUnavailable)
		gwErr.Err = err
		return "", gwErr
	}
	if resp.IsError() {
		gwErr := domainErrors.NewGatewayError("cdek token", http.MethodPost, tokenPath, domainErrors.ErrShippingUnavailable)
		gwErr.StatusCode = resp.StatusCode()
		gwErr.Body = string(resp.Body())
		return "", gwErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil || tr.AccessToken == "" {
		gwErr := domainErrors.NewGatewayError("cdek token", http.MethodPost, tokenPath, domainErrors.ErrMalformedResponse)
		gwErr.Err = errors.Join(errors.New("no access token in response"), err)
		return "", gwErr
	}

	t.token = tr.AccessToken
	t.expiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	return t.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiresAt = time.Time{}
}
