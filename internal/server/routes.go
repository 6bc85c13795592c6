package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Router wires both API surfaces. /api requires an end-user token,
// /service the shared agent key, /health nothing.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.Health).Methods(http.MethodGet)

	r.HandleFunc("/api/user/info", a.requireAuth(a.Users, a.UserInfo)).Methods(http.MethodGet)
	r.HandleFunc("/api/user/asn", a.requireAuth(a.Users, a.RequestAsn)).Methods(http.MethodPost)
	r.HandleFunc("/api/user/prefix", a.requireAuth(a.Users, a.RequestPrefix)).Methods(http.MethodPost)

	r.HandleFunc("/service/mappings", a.requireAuth(a.Agents, a.AllMappings)).Methods(http.MethodGet)
	r.HandleFunc("/service/mappings/{user_hash}", a.requireAuth(a.Agents, a.UserMapping)).Methods(http.MethodGet)

	return r
}
