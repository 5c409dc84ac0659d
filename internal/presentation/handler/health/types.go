package health

// healthResponse represents the health status of the API
type healthResponse struct {
	Status    string            `json:"status"`           // Health status (ok or unhealthy)
	Timestamp string            `json:"timestamp"`        // Current server timestamp in RFC3339 format
	Uptime    string            `json:"uptime"`           // Server uptime since start
	Checks    map[string]string `json:"checks,omitempty"` // Dependency check results, readiness only
}
