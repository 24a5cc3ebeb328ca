// Package audit keeps the per-tenant trail of provisioning and deletion
// actions in the audit_logs table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/easysmart/iot-core/internal/infrastructure/database"
)

// Actions recorded by the registry.
const (
	ActionDeviceCreate     = "device.create"
	ActionDeviceDelete     = "device.delete"
	ActionEntityCreate     = "entity.create"
	ActionEntityDelete     = "entity.delete"
	ActionEntityBulkCreate = "entity.bulk_create"
)

// Sources of an action.
const (
	SourceAPI       = "api"
	SourceDiscovery = "discovery"
	SourceSystem    = "system"
)

// Page sizes for List.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrTenantRequired is returned when an entry or filter has no tenant.
var ErrTenantRequired = errors.New("audit: tenant id is required")

// Entry is one audit record. EntityType and EntityID name the device or
// entity the action touched.
type Entry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter selects entries of one tenant. Empty fields match everything.
type Filter struct {
	TenantID   string
	Action     string
	EntityType string
	EntityID   string
	Source     string
	Since      time.Time // inclusive
	Until      time.Time // exclusive
	Limit      int
	Offset     int
}

// normalized clamps paging to [1, MaxLimit] and a non-negative offset.
func (f Filter) normalized() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	f.Offset = max(f.Offset, 0)
	return f
}

// where renders the filter as a parameterised WHERE clause.
func (f Filter) where() (string, []any) {
	conds := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	eq := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	eq("action", f.Action)
	eq("entity_type", f.EntityType)
	eq("entity_id", f.EntityID)
	eq("source", f.Source)
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, database.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, database.FormatTime(f.Until))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Page is one page of List results with the total match count.
type Page struct {
	Logs   []Entry `json:"logs"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// SQLiteRepository stores entries in SQLite.
type SQLiteRepository struct {
	q database.Querier
}

// NewSQLiteRepository creates a repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{q: db}
}

// WithQuerier returns a repository bound to q, so an entry commits or rolls
// back together with the change it records.
func (r *SQLiteRepository) WithQuerier(q database.Querier) *SQLiteRepository {
	return &SQLiteRepository{q: q}
}

// Create inserts e, filling in ID, CreatedAt and Source when unset.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.TenantID == "" {
		return fmt.Errorf("%w (action %s)", ErrTenantRequired, e.Action)
	}
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Source == "" {
		e.Source = SourceSystem
	}

	var details sql.NullString
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO audit_logs (id, tenant_id, action, entity_type, entity_id, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Action, e.EntityType,
		sql.NullString{String: e.EntityID, Valid: e.EntityID != ""},
		e.Source, details, database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns the tenant's matching entries, newest first.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) (*Page, error) {
	if f.TenantID == "" {
		return nil, ErrTenantRequired
	}
	f = f.normalized()
	where, args := f.where()

	page := &Page{Logs: []Entry{}, Limit: f.Limit, Offset: f.Offset}
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}
	if page.Total <= f.Offset {
		return page, nil
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT id, tenant_id, action, entity_type, entity_id, source, details, created_at FROM audit_logs`+
			where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		page.Logs = append(page.Logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return page, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var entityID, details sql.NullString
	var createdAt string
	if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.EntityType,
		&entityID, &e.Source, &details, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.EntityID = entityID.String

	// Unreadable details are dropped rather than failing the page.
	if details.String != "" && json.Unmarshal([]byte(details.String), &e.Details) != nil {
		e.Details = nil
	}

	var err error
	if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return Entry{}, err
	}
	return e, nil
}
