package agents

import "time"

// Status is an agent's lifecycle state. Only registration moves an agent
// out of none; active and suspended are flipped by the registry admin.
type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Record mirrors the agent_records table.
type Record struct {
	Address     string
	ManifestRef string
	Stake       int64
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Config mirrors the singleton registry configuration row.
type Config struct {
	Owner        string
	MinStake     int64
	StakeEnabled bool
	StakeAsset   string
	Custody      string
}
