package tenant

import (
	"context"
	"fmt"
)

// PlanLookup resolves a tenant's plan and that plan's device ceiling.
type PlanLookup interface {
	TenantPlan(ctx context.Context, tenantID string) (string, error)
	PlanLimit(ctx context.Context, plan string) (int, error)
}

// DeviceCounter counts a tenant's devices.
type DeviceCounter interface {
	CountByTenant(ctx context.Context, tenantID string) (int, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool   `json:"can_add"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
	Plan    string `json:"plan"`
}

// QuotaGuard answers whether a tenant may provision one more device.
//
// The plan table is the only source of limits. To close the race between
// two concurrent creations, bind the lookups to the transaction that
// performs the insert (see the WithQuerier methods of the repositories).
type QuotaGuard struct {
	plans   PlanLookup
	devices DeviceCounter
}

// NewQuotaGuard creates a guard over the given lookups.
func NewQuotaGuard(plans PlanLookup, devices DeviceCounter) *QuotaGuard {
	return &QuotaGuard{plans: plans, devices: devices}
}

// CanProvision reports the tenant's current usage against its plan.
// An unknown tenant or plan is an error, never a default.
func (g *QuotaGuard) CanProvision(ctx context.Context, tenantID string) (Decision, error) {
	plan, err := g.plans.TenantPlan(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}

	limit, err := g.plans.PlanLimit(ctx, plan)
	if err != nil {
		return Decision{}, err
	}

	current, err := g.devices.CountByTenant(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("counting devices: %w", err)
	}

	return Decision{
		Allowed: limit == Unlimited || current < limit,
		Current: current,
		Limit:   limit,
		Plan:    plan,
	}, nil
}

// Check is CanProvision that fails with ErrQuotaExceeded when not allowed.
func (g *QuotaGuard) Check(ctx context.Context, tenantID string) (Decision, error) {
	d, err := g.CanProvision(ctx, tenantID)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, fmt.Errorf("%w: %d of %d on plan %s", ErrQuotaExceeded, d.Current, d.Limit, d.Plan)
	}
	return d, nil
}
