package tenant

import (
	"context"
	"errors"
	"testing"
)

type mockPlans struct {
	tenants map[string]string
	limits  map[string]int
}

func (m *mockPlans) TenantPlan(_ context.Context, tenantID string) (string, error) {
	p, ok := m.tenants[tenantID]
	if !ok {
		return "", ErrTenantNotFound
	}
	return p, nil
}

func (m *mockPlans) PlanLimit(_ context.Context, plan string) (int, error) {
	l, ok := m.limits[plan]
	if !ok {
		return 0, ErrPlanNotFound
	}
	return l, nil
}

type mockCounter map[string]int

func (m mockCounter) CountByTenant(_ context.Context, tenantID string) (int, error) {
	return m[tenantID], nil
}

func newMockPlans() *mockPlans {
	return &mockPlans{
		tenants: map[string]string{"free": PlanFree, "prem": PlanPremium, "ent": PlanEnterprise, "orphan": "legacy"},
		limits:  map[string]int{PlanFree: 1, PlanPremium: 5, PlanEnterprise: Unlimited},
	}
}

func TestQuotaGuard_CanProvision(t *testing.T) {
	tests := []struct {
		name    string
		tenant  string
		count   int
		allowed bool
		limit   int
	}{
		{"free empty", "free", 0, true, 1},
		{"free at limit", "free", 1, false, 1},
		{"premium under", "prem", 4, true, 5},
		{"premium at limit", "prem", 5, false, 5},
		{"enterprise huge", "ent", 10000, true, Unlimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewQuotaGuard(newMockPlans(), mockCounter{tt.tenant: tt.count})
			d, err := g.CanProvision(context.Background(), tt.tenant)
			if err != nil {
				t.Fatalf("CanProvision() error = %v", err)
			}
			if d.Allowed != tt.allowed || d.Limit != tt.limit || d.Current != tt.count {
				t.Errorf("CanProvision() = %+v, want allowed=%v limit=%d current=%d", d, tt.allowed, tt.limit, tt.count)
			}
		})
	}
}

func TestQuotaGuard_NoFallback(t *testing.T) {
	g := NewQuotaGuard(newMockPlans(), mockCounter{})

	if _, err := g.CanProvision(context.Background(), "ghost"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("unknown tenant error = %v, want ErrTenantNotFound", err)
	}
	if _, err := g.CanProvision(context.Background(), "orphan"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("unknown plan error = %v, want ErrPlanNotFound", err)
	}
}

func TestQuotaGuard_Check(t *testing.T) {
	g := NewQuotaGuard(newMockPlans(), mockCounter{"free": 1})

	d, err := g.Check(context.Background(), "free")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Check() error = %v, want ErrQuotaExceeded", err)
	}
	if d.Plan != PlanFree || d.Current != 1 {
		t.Errorf("Check() decision = %+v", d)
	}

	if _, err := g.Check(context.Background(), "ent"); err != nil {
		t.Errorf("Check(ent) error = %v", err)
	}
}

func TestQuotaGuard_SQLite(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	tn, err := repo.Create(ctx, NewTenant{Name: "Acme", Email: "ops@acme.test"})
	if err != nil {
		t.Fatal(err)
	}

	g := NewQuotaGuard(repo, mockCounter{tn.ID: 1})
	d, err := g.CanProvision(ctx, tn.ID)
	if err != nil {
		t.Fatalf("CanProvision() error = %v", err)
	}
	if d.Allowed || d.Limit != 1 || d.Plan != PlanFree {
		t.Errorf("CanProvision() = %+v, want free plan at its ceiling", d)
	}
}
