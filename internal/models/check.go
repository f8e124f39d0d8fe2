package models

import (
	"strings"
	"time"

	"github.com/serviceability-scanner/internal/types"
)

// CheckResult holds the provider-scoped fields of one serviceability answer
type CheckResult struct {
	Serviceable        bool       `json:"serviceable" db:"serviceable" msgpack:"serviceable"`
	ServiceabilityType string     `json:"serviceabilityType,omitempty" db:"serviceability_type" msgpack:"serviceability_type"`
	SalesType          string     `json:"salesType,omitempty" db:"sales_type" msgpack:"sales_type"`
	Status             string     `json:"status,omitempty" db:"status" msgpack:"status"`
	CStatus            string     `json:"cstatus,omitempty" db:"cstatus" msgpack:"cstatus"`
	IsPreSale          bool       `json:"isPreSale" db:"is_pre_sale" msgpack:"is_pre_sale"`
	SalesStatus        string     `json:"salesStatus,omitempty" db:"sales_status" msgpack:"sales_status"`
	MatchType          string     `json:"matchType,omitempty" db:"match_type" msgpack:"match_type"`
	ProviderCheckedAt  *time.Time `json:"providerCheckedAt,omitempty" db:"provider_checked_at" msgpack:"provider_checked_at"`
	ProviderUpdatedAt  *time.Time `json:"providerUpdatedAt,omitempty" db:"provider_updated_at" msgpack:"provider_updated_at"`
}

// Classify maps a provider answer onto the effective status scale
func (r CheckResult) Classify() types.EffectiveStatus {
	if r.Serviceable {
		return types.StatusServiceable
	}
	if r.IsPreSale || strings.EqualFold(r.SalesType, "preorder") || strings.EqualFold(r.SalesStatus, "preorder") {
		return types.StatusPreorder
	}
	return types.StatusNone
}

// ServiceabilityCheck is one immutable result of checking one address against one provider.
// Rows are append-only; a non-nil Error marks a failed call.
type ServiceabilityCheck struct {
	ID          string    `json:"id" db:"id" msgpack:"id"`
	AddressID   int64     `json:"addressId" db:"address_id" msgpack:"address_id"`
	SelectionID *string   `json:"selectionId,omitempty" db:"selection_id" msgpack:"selection_id"`
	BatchJobID  *string   `json:"batchJobId,omitempty" db:"batch_job_id" msgpack:"batch_job_id"`
	Provider    string    `json:"provider" db:"provider" msgpack:"provider"`
	CheckedAt   time.Time `json:"checkedAt" db:"checked_at" msgpack:"checked_at"`
	CheckResult
	Error *string `json:"error,omitempty" db:"error" msgpack:"error"`
}

// Failed reports whether the check recorded a provider error
func (c *ServiceabilityCheck) Failed() bool {
	return c.Error != nil
}

// CheckState summarizes an address's check history for one provider
type CheckState struct {
	HasCheck bool
	// LastFailed is true when the most recent check recorded an error
	LastFailed bool
	// LastSuccess is the classification of the most recent non-error check, if any
	LastSuccess *types.EffectiveStatus
}
