package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// EmailLookup resolves an external user id to an email address. Failures
// are always recoverable: a mapping response ships with an empty email
// rather than failing.
type EmailLookup interface {
	LookupEmail(ctx context.Context, externalUserID string) (string, error)
}

// LogtoEmailLookup fetches emails from the Logto management API using an
// M2M client-credentials token, cached until shortly before expiry.
type LogtoEmailLookup struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewLogtoEmailLookup(managementAPI, appID, appSecret string) *LogtoEmailLookup {
	base := strings.TrimSuffix(strings.TrimRight(managementAPI, "/"), "/api")
	return &LogtoEmailLookup{
		baseURL:   base,
		appID:     appID,
		appSecret: appSecret,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (l *LogtoEmailLookup) LookupEmail(ctx context.Context, externalUserID string) (string, error) {
	token, err := l.m2mToken(ctx)
	if err != nil {
		return "", err
	}

	userURL := fmt.Sprintf("%s/api/users/%s", l.baseURL, url.PathEscape(externalUserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch user %s: %w", externalUserID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user endpoint returned %d for %s", resp.StatusCode, externalUserID)
	}

	var user struct {
		PrimaryEmail string `json:"primaryEmail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode user %s: %w", externalUserID, err)
	}
	return user.PrimaryEmail, nil
}

func (l *LogtoEmailLookup) m2mToken(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" && time.Now().Before(l.tokenExp) {
		return l.token, nil
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"resource":   {l.baseURL + "/api"},
		"scope":      {"all"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/oidc/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(l.appID, l.appSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}

	l.token = tok.AccessToken
	l.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - 30*time.Second)
	return l.token, nil
}
