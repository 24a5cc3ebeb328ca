package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/easysmart/iot-core/internal/infrastructure/database"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Repository defines tenant and plan persistence.
type Repository interface {
	// Create registers a tenant on a 30 day trial.
	// Returns ErrInvalidTenant, ErrEmailTaken or ErrPlanNotFound.
	Create(ctx context.Context, req NewTenant) (*Tenant, error)

	// GetByID returns ErrTenantNotFound if the tenant does not exist.
	GetByID(ctx context.Context, id string) (*Tenant, error)

	// UpdatePlan moves a tenant to another plan.
	UpdatePlan(ctx context.Context, id, plan string) error

	// GetPlan returns ErrPlanNotFound if the plan does not exist.
	GetPlan(ctx context.Context, name string) (*Plan, error)

	// ListPlans returns every plan, cheapest first.
	ListPlans(ctx context.Context) ([]Plan, error)

	PlanLookup
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	q   database.Querier
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{q: db, now: time.Now}
}

// WithQuerier returns a repository bound to q, typically a caller's transaction.
func (r *SQLiteRepository) WithQuerier(q database.Querier) *SQLiteRepository {
	return &SQLiteRepository{q: q, now: r.now}
}

// Create registers a tenant. An empty plan means the free plan.
func (r *SQLiteRepository) Create(ctx context.Context, req NewTenant) (*Tenant, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTenant, err)
	}
	if req.Plan == "" {
		req.Plan = PlanFree
	}

	now := r.now().UTC()
	trialEnds := now.Add(TrialPeriod)
	t := &Tenant{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Email:       req.Email,
		Plan:        req.Plan,
		Status:      StatusActive,
		TrialEndsAt: &trialEnds,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO tenants (id, name, email, plan, status, trial_ends_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Email, t.Plan, string(t.Status),
		database.FormatTime(trialEnds), database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		switch {
		case database.IsUniqueConstraintError(err):
			return nil, ErrEmailTaken
		case database.IsForeignKeyError(err):
			return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, req.Plan)
		}
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// GetByID retrieves a tenant by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Tenant, error) {
	var (
		t                    Tenant
		status, created, upd string
		trial                sql.NullString
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, email, plan, status, trial_ends_at, created_at, updated_at
		 FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Email, &t.Plan, &status, &trial, &created, &upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("querying tenant: %w", err)
	}

	t.Status = Status(status)
	if t.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, fmt.Errorf("tenant %s created_at: %w", id, err)
	}
	if t.UpdatedAt, err = database.ParseTime(upd); err != nil {
		return nil, fmt.Errorf("tenant %s updated_at: %w", id, err)
	}
	if trial.Valid {
		ends, err := database.ParseTime(trial.String)
		if err != nil {
			return nil, fmt.Errorf("tenant %s trial_ends_at: %w", id, err)
		}
		t.TrialEndsAt = &ends
	}
	return &t, nil
}

// UpdatePlan moves a tenant to another plan.
func (r *SQLiteRepository) UpdatePlan(ctx context.Context, id, plan string) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE tenants SET plan = ?, updated_at = ? WHERE id = ?`,
		plan, database.FormatTime(r.now()), id,
	)
	if err != nil {
		if database.IsForeignKeyError(err) {
			return fmt.Errorf("%w: %q", ErrPlanNotFound, plan)
		}
		return fmt.Errorf("updating tenant plan: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// GetPlan retrieves a plan by name.
func (r *SQLiteRepository) GetPlan(ctx context.Context, name string) (*Plan, error) {
	var (
		p    Plan
		desc sql.NullString
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT name, display_name, max_devices, price, description FROM plans WHERE name = ?`, name,
	).Scan(&p.Name, &p.DisplayName, &p.MaxDevices, &p.Price, &desc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, name)
		}
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	p.Description = desc.String
	return &p, nil
}

// ListPlans returns every plan, cheapest first.
func (r *SQLiteRepository) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT name, display_name, max_devices, price, description FROM plans ORDER BY price ASC, name`)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	defer rows.Close()

	plans := []Plan{}
	for rows.Next() {
		var (
			p    Plan
			desc sql.NullString
		)
		if err := rows.Scan(&p.Name, &p.DisplayName, &p.MaxDevices, &p.Price, &desc); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		p.Description = desc.String
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plans: %w", err)
	}
	return plans, nil
}

// TenantPlan returns the plan name of a tenant.
func (r *SQLiteRepository) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	var plan string
	err := r.q.QueryRowContext(ctx, `SELECT plan FROM tenants WHERE id = ?`, tenantID).Scan(&plan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTenantNotFound
		}
		return "", fmt.Errorf("querying tenant plan: %w", err)
	}
	return plan, nil
}

// PlanLimit returns a plan's max_devices, or Unlimited.
func (r *SQLiteRepository) PlanLimit(ctx context.Context, plan string) (int, error) {
	p, err := r.GetPlan(ctx, plan)
	if err != nil {
		return 0, err
	}
	return p.MaxDevices, nil
}
