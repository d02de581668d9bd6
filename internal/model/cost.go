package model

import (
	"time"

	"github.com/sells-group/cost-attribution/internal/money"
)

// ServiceKey is the natural key of a service: product code plus usage type.
type ServiceKey struct {
	ProductCode string `json:"product_code"`
	UsageType   string `json:"usage_type"`
}

// String renders the key as product_code/usage_type.
func (k ServiceKey) String() string {
	return k.ProductCode + "/" + k.UsageType
}

// Service is a row of the non-versioned service dimension.
type Service struct {
	ServiceKey      int64     `db:"service_key" json:"service_key"`
	ProductCode     string    `db:"product_code" json:"product_code"`
	UsageType       string    `db:"usage_type" json:"usage_type"`
	ServiceCategory string    `db:"service_category" json:"service_category"`
	FirstSeenDate   Date      `db:"first_seen_date" json:"first_seen_date"`
	LastSeenDate    Date      `db:"last_seen_date" json:"last_seen_date"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// NaturalKey returns the service's natural key.
func (s Service) NaturalKey() ServiceKey {
	return ServiceKey{ProductCode: s.ProductCode, UsageType: s.UsageType}
}

// ServiceObservation is the date span over which a service appears in raw costs.
type ServiceObservation struct {
	ProductCode string `db:"product_code"`
	UsageType   string `db:"usage_type"`
	FirstSeen   Date   `db:"first_seen"`
	LastSeen    Date   `db:"last_seen"`
}

// NaturalKey returns the observed service's natural key.
func (o ServiceObservation) NaturalKey() ServiceKey {
	return ServiceKey{ProductCode: o.ProductCode, UsageType: o.UsageType}
}

// CostLine is one raw cost event. CustomerID is set
// when the line is tagged to a single customer; UnblendedCost is nil when
// the source left the cost blank.
type CostLine struct {
	LineItemID    string        `db:"line_item_id" json:"line_item_id"`
	UsageDate     Date          `db:"usage_date" json:"usage_date"`
	ProductCode   string        `db:"product_code" json:"product_code"`
	UsageType     string        `db:"usage_type" json:"usage_type"`
	CustomerID    string        `db:"customer_id" json:"customer_id,omitempty"`
	UnblendedCost *money.Amount `db:"unblended_cost" json:"unblended_cost"`
}

// ServiceKey returns the line's service natural key.
func (c CostLine) ServiceKey() ServiceKey {
	return ServiceKey{ProductCode: c.ProductCode, UsageType: c.UsageType}
}

// CustomerCostFact is one attributed cost row. It carries surrogate keys only.
type CustomerCostFact struct {
	UsageDate     Date         `db:"usage_date" json:"usage_date"`
	CustomerKey   int64        `db:"customer_key" json:"customer_key"`
	ServiceKey    int64        `db:"service_key" json:"service_key"`
	AllocatedCost money.Amount `db:"allocated_cost" json:"allocated_cost"`
	RecordCount   int64        `db:"record_count" json:"record_count"`
	NullCostCount int64        `db:"null_cost_count" json:"null_cost_count"`
}

// DailyCost is the total raw cost of a service on a date.
type DailyCost struct {
	UsageDate     Date         `db:"usage_date" json:"usage_date"`
	ServiceKey    int64        `db:"service_key" json:"service_key"`
	TotalCost     money.Amount `db:"total_cost" json:"total_cost"`
	RecordCount   int64        `db:"record_count" json:"record_count"`
	NullCostCount int64        `db:"null_cost_count" json:"null_cost_count"`
}
