package models

import "time"

// RuntimeStatus represents the lifecycle state of a tenant runtime.
type RuntimeStatus string

const (
	RuntimeStarting RuntimeStatus = "starting"
	RuntimeRunning  RuntimeStatus = "running"
	RuntimeStopped  RuntimeStatus = "stopped"
)

// TenantRuntime is the isolated per-tenant process hosting messaging sessions.
type TenantRuntime struct {
	TenantID  string        `json:"tenant_id"`
	Name      string        `json:"name"`
	HostPort  int           `json:"host_port"`
	Address   string        `json:"address"` // Internal base URL of the session API
	APIKey    string        `json:"-"`
	Status    RuntimeStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Age reports how long ago the runtime was created.
func (r *TenantRuntime) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// RuntimeStats is a point-in-time resource sample used for leak detection.
type RuntimeStats struct {
	CPUPercent float64 `json:"cpu_pct"`
	MemPercent float64 `json:"mem_pct"`
	MemMB      float64 `json:"mem_mb"`
	NetRxBytes uint64  `json:"net_rx_bytes"`
	NetTxBytes uint64  `json:"net_tx_bytes"`
}
