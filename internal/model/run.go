package model

import "time"

// RunStatus represents the state of a load run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Load names recorded in the run log.
const (
	LoadCostLines = "cost_lines"
	LoadServices  = "dim_service"
	LoadCustomers = "dim_customer"
	LoadFacts     = "fact_customer_cost"
)

// Run is one entry of the load run log.
type Run struct {
	ID           string         `json:"id"`
	Load         string         `json:"load"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	RowsAffected int64          `json:"rows_affected"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
