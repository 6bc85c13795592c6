package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peerlab/internal/shared"
)

// staticAuth stands in for the end-user scheme so handler tests can pick
// the caller's subject per request.
type staticAuth struct{ subject string }

func (s *staticAuth) Authenticate(*http.Request) (*Principal, error) {
	return &Principal{Subject: s.subject}, nil
}

const testAgentKey = "test-agent-key"

func newTestAPI(t *testing.T, prefixes ...string) (*API, *staticAuth) {
	t.Helper()
	if len(prefixes) == 0 {
		prefixes = []string{"2001:db8:1::/48", "2001:db8:2::/48"}
	}
	users := &staticAuth{subject: "user-1"}
	api := &API{
		Store:      newTestStore(t),
		AsnPool:    NewAsnPool(65000, 65001),
		PrefixPool: newTestPrefixPool(t, prefixes...),
		Users:      users,
		Agents:     &AgentAuth{Key: testAgentKey},
		Log:        discardLogger(),
	}
	return api, users
}

func do(t *testing.T, h http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	w := do(t, api.Router(), http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	h := decode[shared.HealthResponse](t, w)
	if h.Status != "ok" || h.AsnPoolSize != 2 || h.PrefixPoolSize != 2 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestUserInfoEmpty(t *testing.T) {
	api, _ := newTestAPI(t)
	w := do(t, api.Router(), http.MethodGet, "/api/user/info", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	info := decode[shared.UserInfoResponse](t, w)
	if info.UserHash != shared.HashSubject("user-1") {
		t.Fatalf("user_hash = %s", info.UserHash)
	}
	if info.Asn != nil {
		t.Fatalf("asn = %v, want null", *info.Asn)
	}
	if info.ActiveLeases == nil || len(info.ActiveLeases) != 0 {
		t.Fatalf("active_leases = %v, want empty array", info.ActiveLeases)
	}
}

func TestRequestAsnIdempotentPerUser(t *testing.T) {
	api, _ := newTestAPI(t)
	router := api.Router()

	w := do(t, router, http.MethodPost, "/api/user/asn", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	first := decode[shared.RequestAsnResponse](t, w)
	if first.Asn != 65000 || first.Message != "ASN assigned successfully" {
		t.Fatalf("first request: %+v", first)
	}

	w = do(t, router, http.MethodPost, "/api/user/asn", "", "")
	second := decode[shared.RequestAsnResponse](t, w)
	if second.Asn != 65000 || second.Message != "ASN already assigned" {
		t.Fatalf("second request: %+v", second)
	}
}

func TestRequestAsnScenarioA(t *testing.T) {
	api, users := newTestAPI(t)
	router := api.Router()

	users.subject = "alice"
	if resp := decode[shared.RequestAsnResponse](t, do(t, router, http.MethodPost, "/api/user/asn", "", "")); resp.Asn != 65000 {
		t.Fatalf("alice got %d", resp.Asn)
	}

	users.subject = "bob"
	if resp := decode[shared.RequestAsnResponse](t, do(t, router, http.MethodPost, "/api/user/asn", "", "")); resp.Asn != 65001 {
		t.Fatalf("bob got %d", resp.Asn)
	}

	users.subject = "carol"
	w := do(t, router, http.MethodPost, "/api/user/asn", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("carol: status = %d, want 503", w.Code)
	}
	body := decode[shared.ErrorBody](t, w)
	if body.Error != http.StatusServiceUnavailable {
		t.Fatalf("error body = %+v", body)
	}
}

func TestRequestPrefixValidation(t *testing.T) {
	api, _ := newTestAPI(t)
	router := api.Router()

	for _, body := range []string{
		`{"duration_hours": 0}`,
		`{"duration_hours": 25}`,
		`{"duration_hours": -1}`,
		`not json`,
	} {
		w := do(t, router, http.MethodPost, "/api/user/prefix", body, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, w.Code)
		}
	}

	// nothing was committed by the rejected requests
	if leases, err := api.Store.AllActiveLeases(context.Background()); err != nil || len(leases) != 0 {
		t.Fatalf("rejected requests left state behind: %v, %v", leases, err)
	}
}

func TestRequestPrefixFlow(t *testing.T) {
	api, users := newTestAPI(t)
	router := api.Router()

	w := do(t, router, http.MethodPost, "/api/user/prefix", `{"duration_hours": 3}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[shared.RequestPrefixResponse](t, w)
	if resp.Prefix != "2001:db8:1::/48" {
		t.Fatalf("prefix = %s", resp.Prefix)
	}
	start, err := time.Parse(time.RFC3339, resp.StartTime)
	if err != nil {
		t.Fatal(err)
	}
	end, err := time.Parse(time.RFC3339, resp.EndTime)
	if err != nil {
		t.Fatal(err)
	}
	if end.Sub(start) != 3*time.Hour {
		t.Fatalf("window = %v, want exactly 3h", end.Sub(start))
	}

	// the lease shows up on /api/user/info
	info := decode[shared.UserInfoResponse](t, do(t, router, http.MethodGet, "/api/user/info", "", ""))
	if len(info.ActiveLeases) != 1 || info.ActiveLeases[0].Prefix != "2001:db8:1::/48" {
		t.Fatalf("active_leases = %+v", info.ActiveLeases)
	}

	// second caller gets the second block, third hits exhaustion
	users.subject = "user-2"
	resp = decode[shared.RequestPrefixResponse](t, do(t, router, http.MethodPost, "/api/user/prefix", `{"duration_hours": 1}`, ""))
	if resp.Prefix != "2001:db8:2::/48" {
		t.Fatalf("second caller got %s", resp.Prefix)
	}

	users.subject = "user-3"
	if w := do(t, router, http.MethodPost, "/api/user/prefix", `{"duration_hours": 1}`, ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

// A token that fails signature verification must produce a 401 before any
// handler or store work happens.
func TestBadSignatureStopsAtGate(t *testing.T) {
	key := newSigningKey(t)
	otherKey := newSigningKey(t)
	jwks := httptest.NewServer(jwksHandler(&key.PublicKey, "k1"))
	defer jwks.Close()

	api, _ := newTestAPI(t)
	api.Users = &TokenAuth{Keys: NewKeyCache(jwks.URL), Issuer: testIssuer, Log: discardLogger()}
	router := api.Router()

	token := signToken(t, otherKey, "k1", validClaims("user-123"))
	w := do(t, router, http.MethodPost, "/api/user/asn", "", token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	body := decode[shared.ErrorBody](t, w)
	if body.Error != http.StatusUnauthorized {
		t.Fatalf("error body = %+v", body)
	}

	// no allocation was attempted
	if assigned, err := api.Store.IsAsnAssigned(context.Background(), 65000); err != nil || assigned {
		t.Fatalf("store touched by rejected request: %v, %v", assigned, err)
	}
}

func TestServiceAuthAndLookup(t *testing.T) {
	api, users := newTestAPI(t)
	router := api.Router()

	// wrong shared secret
	if w := do(t, router, http.MethodGet, "/service/mappings", "", "bad-key"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}

	// correct secret, unknown handle
	w := do(t, router, http.MethodGet, "/service/mappings/deadbeef", "", testAgentKey)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown handle: status = %d, want 404", w.Code)
	}
	if body := decode[shared.ErrorBody](t, w); body.Message != "user not found" {
		t.Fatalf("message = %q, want %q", body.Message, "user not found")
	}

	// known handle without an ASN is a distinct 404
	users.subject = "lease-only"
	do(t, router, http.MethodPost, "/api/user/prefix", `{"duration_hours": 1}`, "")
	handle := shared.HashSubject("lease-only")
	w = do(t, router, http.MethodGet, "/service/mappings/"+handle, "", testAgentKey)
	if w.Code != http.StatusNotFound {
		t.Fatalf("no-asn handle: status = %d, want 404", w.Code)
	}
	if body := decode[shared.ErrorBody](t, w); body.Message != "user has no ASN assigned" {
		t.Fatalf("message = %q, want %q", body.Message, "user has no ASN assigned")
	}

	// full mapping
	users.subject = "alice"
	do(t, router, http.MethodPost, "/api/user/asn", "", "")
	handle = shared.HashSubject("alice")
	m := decode[shared.UserMapping](t, do(t, router, http.MethodGet, "/service/mappings/"+handle, "", testAgentKey))
	if m.UserHash != handle || m.Asn != 65000 || m.UserID != "alice" {
		t.Fatalf("mapping = %+v", m)
	}
}

type fixedEmail struct{ email string }

func (f fixedEmail) LookupEmail(context.Context, string) (string, error) { return f.email, nil }

type failingEmail struct{}

func (failingEmail) LookupEmail(context.Context, string) (string, error) {
	return "", errors.New("management API down")
}

func TestMappingsEnrichment(t *testing.T) {
	api, _ := newTestAPI(t)
	api.Email = fixedEmail{email: "alice@example.test"}
	router := api.Router()

	do(t, router, http.MethodPost, "/api/user/asn", "", "")

	mr := decode[shared.MappingsResponse](t, do(t, router, http.MethodGet, "/service/mappings", "", testAgentKey))
	if len(mr.Mappings) != 1 {
		t.Fatalf("mappings = %+v", mr.Mappings)
	}
	if mr.Mappings[0].Email != "alice@example.test" {
		t.Fatalf("email = %q", mr.Mappings[0].Email)
	}
}

func TestMappingsEnrichmentFailureIsSoft(t *testing.T) {
	api, _ := newTestAPI(t)
	api.Email = failingEmail{}
	router := api.Router()

	do(t, router, http.MethodPost, "/api/user/asn", "", "")

	w := do(t, router, http.MethodGet, "/service/mappings", "", testAgentKey)
	if w.Code != http.StatusOK {
		t.Fatalf("enrichment failure broke the response: %d", w.Code)
	}
	mr := decode[shared.MappingsResponse](t, w)
	if len(mr.Mappings) != 1 || mr.Mappings[0].Email != "" {
		t.Fatalf("mappings = %+v", mr.Mappings)
	}
}

func TestMappingsEmptyList(t *testing.T) {
	api, _ := newTestAPI(t)
	w := do(t, api.Router(), http.MethodGet, "/service/mappings", "", testAgentKey)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["mappings"]) != "[]" {
		t.Fatalf("mappings = %s, want []", raw["mappings"])
	}
}
