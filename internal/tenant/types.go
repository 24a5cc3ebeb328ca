package tenant

import (
	"errors"
	"time"
)

// Domain errors for the tenant package.
var (
	// ErrTenantNotFound is returned when a tenant ID does not exist.
	ErrTenantNotFound = errors.New("tenant: not found")

	// ErrPlanNotFound is returned when a plan name does not exist.
	ErrPlanNotFound = errors.New("tenant: plan not found")

	// ErrEmailTaken is returned when creating a tenant with an email already in use.
	ErrEmailTaken = errors.New("tenant: email already registered")

	// ErrInvalidTenant is returned when tenant fields fail validation.
	ErrInvalidTenant = errors.New("tenant: invalid")

	// ErrQuotaExceeded is returned when a tenant is at its plan's device ceiling.
	ErrQuotaExceeded = errors.New("tenant: device quota exceeded")
)

// TrialPeriod is how long a new tenant's trial lasts.
const TrialPeriod = 30 * 24 * time.Hour

// Plan names seeded by the initial migration.
const (
	PlanFree       = "free"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

// Unlimited is the max_devices value of a plan without a ceiling.
const Unlimited = -1

// Status is a tenant's account state.
type Status string

// Tenant statuses.
const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Tenant is the isolation and billing unit that owns devices.
type Tenant struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	Plan        string     `json:"plan"`
	Status      Status     `json:"status"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsActive reports whether the tenant may use the service at now.
// Tenants on the free plan are only active until their trial ends.
func (t Tenant) IsActive(now time.Time) bool {
	if t.Status != StatusActive {
		return false
	}
	if t.Plan == PlanFree && t.TrialEndsAt != nil && now.After(*t.TrialEndsAt) {
		return false
	}
	return true
}

// Plan is a billing tier with a device ceiling.
type Plan struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	MaxDevices  int     `json:"max_devices"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
}

// IsUnlimited reports whether the plan has no device ceiling.
func (p Plan) IsUnlimited() bool {
	return p.MaxDevices == Unlimited
}

// NewTenant is a signup request.
type NewTenant struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email,max=254"`
	Plan  string `json:"plan,omitempty" validate:"omitempty,max=32"`
}
