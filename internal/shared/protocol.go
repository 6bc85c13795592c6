package shared

// Wire types for both API surfaces. The server encodes these; pl-agent
// decodes the service-facing ones. Times are RFC3339 strings.

type LeaseInfo struct {
	Prefix    string `json:"prefix"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type UserInfoResponse struct {
	UserHash     string      `json:"user_hash"`
	Asn          *int        `json:"asn"`
	ActiveLeases []LeaseInfo `json:"active_leases"`
}

type RequestAsnResponse struct {
	Asn     int    `json:"asn"`
	Message string `json:"message"`
}

type RequestPrefixRequest struct {
	DurationHours int `json:"duration_hours"`
}

type RequestPrefixResponse struct {
	Prefix    string `json:"prefix"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Message   string `json:"message"`
}

type UserMapping struct {
	UserHash string   `json:"user_hash"`
	UserID   string   `json:"user_id"`
	Email    string   `json:"email,omitempty"`
	Asn      int      `json:"asn"`
	Prefixes []string `json:"prefixes"`
}

type MappingsResponse struct {
	Mappings []UserMapping `json:"mappings"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	AsnPoolSize    int    `json:"asn_pool_size"`
	PrefixPoolSize int    `json:"prefix_pool_size"`
}

// ErrorBody is the uniform error envelope on both surfaces. Error carries
// the HTTP status code as an integer.
type ErrorBody struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}
