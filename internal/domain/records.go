package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceKey identifies a (customer, service) pair. Contracts, billing records
// and usage logs are joined on it; there is no foreign key between them.
type ServiceKey struct {
	CustomerID  string `json:"customer_id"`
	ServiceType string `json:"service_type"`
}

func (k ServiceKey) String() string {
	return k.CustomerID + "/" + k.ServiceType
}

// Less orders keys by customer, then service.
func (k ServiceKey) Less(o ServiceKey) bool {
	if k.CustomerID != o.CustomerID {
		return k.CustomerID < o.CustomerID
	}
	return k.ServiceType < o.ServiceType
}

type Contract struct {
	ContractID  string          `json:"contract_id" validate:"required"`
	CustomerID  string          `json:"customer_id" validate:"required"`
	ServiceType string          `json:"service_type" validate:"required"`
	AgreedRate  decimal.Decimal `json:"agreed_rate" validate:"decimal_gte0"`
	StartDate   time.Time       `json:"start_date" validate:"required"`
	EndDate     time.Time       `json:"end_date" validate:"required,gtefield=StartDate"`
}

func (c Contract) Key() ServiceKey {
	return ServiceKey{CustomerID: c.CustomerID, ServiceType: c.ServiceType}
}

// Covers reports whether d falls inside the contract period, both ends inclusive.
func (c Contract) Covers(d time.Time) bool {
	return !d.Before(c.StartDate) && !d.After(c.EndDate)
}

// BillingRecord is one invoice line. InvoiceID is not assumed unique: repeated
// business content under different ids is exactly what duplicate detection looks for.
type BillingRecord struct {
	InvoiceID     string          `json:"invoice_id" validate:"required"`
	CustomerID    string          `json:"customer_id" validate:"required"`
	ServiceType   string          `json:"service_type" validate:"required"`
	BilledRate    decimal.Decimal `json:"billed_rate"`
	UsageQuantity decimal.Decimal `json:"usage_quantity" validate:"decimal_gte0"`
	TotalCharge   decimal.Decimal `json:"total_charge"`
	Date          time.Time       `json:"date" validate:"required"`
}

func (r BillingRecord) Key() ServiceKey {
	return ServiceKey{CustomerID: r.CustomerID, ServiceType: r.ServiceType}
}

type UsageLog struct {
	LogID         string          `json:"log_id" validate:"required"`
	CustomerID    string          `json:"customer_id" validate:"required"`
	ServiceType   string          `json:"service_type" validate:"required"`
	RecordedUsage decimal.Decimal `json:"recorded_usage" validate:"decimal_gte0"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
}

func (u UsageLog) Key() ServiceKey {
	return ServiceKey{CustomerID: u.CustomerID, ServiceType: u.ServiceType}
}

type ProvisioningStatus string

const (
	ProvisioningActive    ProvisioningStatus = "active"
	ProvisioningPending   ProvisioningStatus = "pending"
	ProvisioningSuspended ProvisioningStatus = "suspended"
)

// ProvisioningRecord is stored and served but not read by any detector.
type ProvisioningRecord struct {
	ProvisionID      string             `json:"provision_id" validate:"required"`
	CustomerID       string             `json:"customer_id" validate:"required"`
	ServiceType      string             `json:"service_type" validate:"required"`
	ProvisionedLevel string             `json:"provisioned_level"`
	Status           ProvisioningStatus `json:"status" validate:"required,oneof=active pending suspended"`
}

func (p ProvisioningRecord) Key() ServiceKey {
	return ServiceKey{CustomerID: p.CustomerID, ServiceType: p.ServiceType}
}
