package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"peerlab/internal/shared"
)

// API holds the wired server surface: store, pools, both authenticators,
// and the optional email enrichment lookup.
type API struct {
	Store      *Store
	AsnPool    AsnPool
	PrefixPool *PrefixPool
	Users      Authenticator
	Agents     Authenticator
	Email      EmailLookup // nil disables enrichment
	Log        *slog.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, shared.ErrorBody{Error: code, Message: message})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

// requireAuth gates a handler behind an Authenticator and stashes the
// resulting Principal in the request context. Internal error detail is
// logged here and never forwarded.
func (a *API) requireAuth(auth Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.Authenticate(r)
		if err != nil {
			switch {
			case errors.Is(err, ErrAuthConfig):
				a.Log.Error("authentication misconfigured", "path", r.URL.Path, "err", err)
				writeError(w, http.StatusInternalServerError, "Server authentication not configured")
			case errors.Is(err, ErrKeySetUnavailable):
				a.Log.Error("identity provider unreachable", "path", r.URL.Path, "err", err)
				writeError(w, http.StatusInternalServerError, "Identity provider unavailable")
			default:
				a.Log.Warn("request rejected", "path", r.URL.Path, "err", err)
				writeError(w, http.StatusUnauthorized, "Unauthorized")
			}
			return
		}
		next(w, r.WithContext(withPrincipal(r.Context(), p)))
	}
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, shared.HealthResponse{
		Status:         "ok",
		AsnPoolSize:    a.AsnPool.Size(),
		PrefixPoolSize: a.PrefixPool.Len(),
	})
}

func leaseInfo(l PrefixLease) shared.LeaseInfo {
	return shared.LeaseInfo{
		Prefix:    l.Prefix.String(),
		StartTime: l.StartTime.Format(time.RFC3339),
		EndTime:   l.EndTime.Format(time.RFC3339),
	}
}

// UserInfo returns the caller's ASN (if any) and active leases.
func (a *API) UserInfo(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	handle := shared.HashSubject(p.Subject)

	assignment, leases, err := a.Store.UserInfo(r.Context(), handle)
	if err != nil {
		a.Log.Error("user info query failed", "user_hash", handle, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve user information")
		return
	}

	resp := shared.UserInfoResponse{
		UserHash:     handle,
		ActiveLeases: []shared.LeaseInfo{},
	}
	if assignment != nil {
		asn := assignment.Asn
		resp.Asn = &asn
	}
	for _, l := range leases {
		resp.ActiveLeases = append(resp.ActiveLeases, leaseInfo(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestAsn assigns the caller the lowest free ASN, or returns the one it
// already holds.
func (a *API) RequestAsn(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	handle := shared.HashSubject(p.Subject)

	existing, err := a.Store.GetAsn(r.Context(), handle)
	if err != nil {
		a.Log.Error("asn lookup failed", "user_hash", handle, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to check ASN assignment")
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, shared.RequestAsnResponse{
			Asn:     existing.Asn,
			Message: "ASN already assigned",
		})
		return
	}

	assignment, err := a.Store.AllocateAsn(r.Context(), a.AsnPool, handle, p.Subject)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			a.Log.Warn("asn pool exhausted", "user_hash", handle)
			writeError(w, http.StatusServiceUnavailable, "No available ASNs at this time")
			return
		}
		a.Log.Error("asn allocation failed", "user_hash", handle, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to assign ASN")
		return
	}

	a.Log.Info("assigned asn", "user_hash", handle, "asn", assignment.Asn)
	writeJSON(w, http.StatusOK, shared.RequestAsnResponse{
		Asn:     assignment.Asn,
		Message: "ASN assigned successfully",
	})
}

// RequestPrefix leases the caller a free /48 for the requested duration.
func (a *API) RequestPrefix(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	handle := shared.HashSubject(p.Subject)

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var req shared.RequestPrefixRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// validated before any pool or store work
	if req.DurationHours < 1 || req.DurationHours > 24 {
		writeError(w, http.StatusBadRequest, "Duration must be between 1 and 24 hours")
		return
	}

	lease, err := a.Store.AllocatePrefix(r.Context(), a.PrefixPool, handle, req.DurationHours)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			a.Log.Warn("prefix pool exhausted", "user_hash", handle)
			writeError(w, http.StatusServiceUnavailable, "No available prefixes at this time")
			return
		}
		a.Log.Error("prefix allocation failed", "user_hash", handle, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to create prefix lease")
		return
	}

	a.Log.Info("leased prefix", "user_hash", handle, "prefix", lease.Prefix.String(), "until", lease.EndTime)
	writeJSON(w, http.StatusOK, shared.RequestPrefixResponse{
		Prefix:    lease.Prefix.String(),
		StartTime: lease.StartTime.Format(time.RFC3339),
		EndTime:   lease.EndTime.Format(time.RFC3339),
		Message:   "Prefix leased successfully",
	})
}

// lookupEmail enriches a mapping with the user's email. Failure only
// empties the field; it never fails the enclosing response.
func (a *API) lookupEmail(r *http.Request, userID string) string {
	if a.Email == nil || userID == "" {
		return ""
	}
	email, err := a.Email.LookupEmail(r.Context(), userID)
	if err != nil {
		a.Log.Warn("email enrichment failed", "user_id", userID, "err", err)
		return ""
	}
	return email
}

func (a *API) mappingResponse(r *http.Request, m Mapping) shared.UserMapping {
	out := shared.UserMapping{
		UserHash: m.Assignment.UserHash,
		UserID:   m.Assignment.UserID,
		Email:    a.lookupEmail(r, m.Assignment.UserID),
		Asn:      m.Assignment.Asn,
		Prefixes: []string{},
	}
	for _, l := range m.Leases {
		out.Prefixes = append(out.Prefixes, l.Prefix.String())
	}
	return out
}

// AllMappings returns every assignment with active leases, for downstream
// services.
func (a *API) AllMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := a.Store.AllMappings(r.Context())
	if err != nil {
		a.Log.Error("mappings query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve mappings")
		return
	}

	resp := shared.MappingsResponse{Mappings: []shared.UserMapping{}}
	for _, m := range mappings {
		resp.Mappings = append(resp.Mappings, a.mappingResponse(r, m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UserMapping returns a single handle's mapping, distinguishing an unknown
// handle from a known one that holds no ASN.
func (a *API) UserMapping(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["user_hash"]

	m, err := a.Store.UserMapping(r.Context(), handle)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, ErrNoAsn):
			writeError(w, http.StatusNotFound, "user has no ASN assigned")
		default:
			a.Log.Error("mapping query failed", "user_hash", handle, "err", err)
			writeError(w, http.StatusInternalServerError, "Failed to retrieve user mapping")
		}
		return
	}
	writeJSON(w, http.StatusOK, a.mappingResponse(r, *m))
}
