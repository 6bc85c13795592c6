// Package server implements the peerlab gateway HTTP API surface.
//
// Owns:
//   - HTTP routing, handlers, and request/response contracts
//   - Authentication (end-user token verification + service shared key)
//   - Resource pools (ASN range, prefix list) and allocation
//   - The assignment/lease store and its occupancy queries
//
// Does not own:
//   - Identity-provider internals (key publication, user directory)
//   - Agent-side mapping consumption logic
//
// Invariants:
//   - JSON responses are consistent via writeJSON / writeError
//   - /api routes must be wrapped by the end-user authenticator,
//     /service routes by the agent authenticator
//   - An ASN or an active prefix is committed to at most one handle;
//     the store enforces this, never the pre-check alone
package server
