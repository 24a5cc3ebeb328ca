package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/easysmart/iot-core/internal/entity"
	"github.com/easysmart/iot-core/internal/infrastructure/database"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Create inserts a new device, assigning its ID and timestamps.
	// Returns ErrDeviceExists if the tenant already has that device_id.
	Create(ctx context.Context, d *Device) error

	// GetByID retrieves a device regardless of tenant.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetForTenant retrieves a device only if tenantID owns it.
	GetForTenant(ctx context.Context, tenantID, id string) (*Device, error)

	// ListByTenant retrieves a tenant's devices with their entity counts.
	ListByTenant(ctx context.Context, tenantID string) ([]Device, error)

	// ListByTopicToken retrieves every device publishing under token.
	ListByTopicToken(ctx context.Context, token string) ([]Device, error)

	// Update applies a partial update to a tenant's device.
	Update(ctx context.Context, tenantID, id string, u Update) (*Device, error)

	// UpdateStatus sets connectivity and stamps last_seen.
	UpdateStatus(ctx context.Context, id string, status Status, seen time.Time) error

	// MarkStaleOffline flips online devices not seen since before to
	// offline and returns the devices it changed.
	MarkStaleOffline(ctx context.Context, before time.Time) ([]Device, error)

	// Delete removes a tenant's device; its entities cascade.
	Delete(ctx context.Context, tenantID, id string) error

	// CountByTenant returns how many devices a tenant owns.
	CountByTenant(ctx context.Context, tenantID string) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	q   database.Querier
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{q: db, now: time.Now}
}

// WithQuerier returns a repository bound to q, typically a caller's transaction.
func (r *SQLiteRepository) WithQuerier(q database.Querier) *SQLiteRepository {
	return &SQLiteRepository{q: q, now: r.now}
}

const selectDevice = `
	SELECT d.id, d.tenant_id, d.device_id, d.topic_token, d.name, d.type,
		d.discovery_mode, d.status, d.config, d.last_seen, d.created_at, d.updated_at`

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	if d.Status == "" {
		d.Status = StatusOffline
	}
	if err := ValidateDevice(d); err != nil {
		return err
	}

	config, err := encodeConfig(d.Config)
	if err != nil {
		return err
	}

	d.ID = uuid.NewString()
	now := r.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	ts := database.FormatTime(now)

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO devices (
			id, tenant_id, device_id, topic_token, name, type,
			discovery_mode, status, config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.DeviceID, d.TopicToken, strings.TrimSpace(d.Name), d.Type,
		string(d.DiscoveryMode), string(d.Status), config, ts, ts,
	)
	if err != nil {
		d.ID = ""
		switch {
		case database.IsUniqueConstraintError(err):
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.DeviceID)
		case database.IsForeignKeyError(err):
			return fmt.Errorf("%w: unknown tenant %s", ErrInvalidDevice, d.TenantID)
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	return r.getOne(ctx, selectDevice+` FROM devices d WHERE d.id = ?`, id)
}

// GetForTenant retrieves a device owned by tenantID.
func (r *SQLiteRepository) GetForTenant(ctx context.Context, tenantID, id string) (*Device, error) {
	return r.getOne(ctx, selectDevice+` FROM devices d WHERE d.id = ? AND d.tenant_id = ?`, id, tenantID)
}

// ListByTenant retrieves a tenant's devices, newest first, with entity counts.
func (r *SQLiteRepository) ListByTenant(ctx context.Context, tenantID string) ([]Device, error) {
	rows, err := r.q.QueryContext(ctx, selectDevice+`,
			(SELECT COUNT(*) FROM entities e WHERE e.device_id = d.id)
		FROM devices d
		WHERE d.tenant_id = ?
		ORDER BY d.created_at DESC, d.rowid DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// ListByTopicToken retrieves devices whose identifier normalises to token.
// More than one result means two tenants share a topic namespace.
func (r *SQLiteRepository) ListByTopicToken(ctx context.Context, token string) ([]Device, error) {
	rows, err := r.q.QueryContext(ctx, selectDevice+` FROM devices d WHERE d.topic_token = ? ORDER BY d.created_at`, token)
	if err != nil {
		return nil, fmt.Errorf("listing devices by token: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Update applies a partial update. Unset fields keep their stored value.
func (r *SQLiteRepository) Update(ctx context.Context, tenantID, id string, u Update) (*Device, error) {
	if err := ValidateUpdate(u); err != nil {
		return nil, err
	}

	var config any
	switch {
	case u.Config == nil:
	case len(u.Config) == 0:
		config = "{}"
	default:
		encoded, err := encodeConfig(u.Config)
		if err != nil {
			return nil, err
		}
		config = encoded
	}

	result, err := r.q.ExecContext(ctx, `
		UPDATE devices SET
			name = COALESCE(?, name),
			type = COALESCE(?, type),
			status = COALESCE(?, status),
			discovery_mode = COALESCE(?, discovery_mode),
			config = COALESCE(?, config),
			updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		optString(u.Name), optString(u.Type), optString((*string)(u.Status)),
		optString((*string)(u.DiscoveryMode)), config,
		database.FormatTime(r.now()), id, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating device: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return nil, ErrDeviceNotFound
	}
	return r.GetForTenant(ctx, tenantID, id)
}

// UpdateStatus sets connectivity and stamps last_seen.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status, seen time.Time) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %w: status %q", ErrInvalidDevice, entity.ErrInvalidValue, status)
	}

	ts := database.FormatTime(seen)
	result, err := r.q.ExecContext(ctx,
		`UPDATE devices SET status = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		string(status), ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// MarkStaleOffline flips online devices not seen since before to offline
// and returns them as they now are. Devices that were never seen are left
// alone.
func (r *SQLiteRepository) MarkStaleOffline(ctx context.Context, before time.Time) ([]Device, error) {
	rows, err := r.q.QueryContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ?
		 WHERE status = ? AND last_seen IS NOT NULL AND last_seen < ?
		 RETURNING id, tenant_id, device_id, topic_token, name, type,
			discovery_mode, status, config, last_seen, created_at, updated_at`,
		string(StatusOffline), database.FormatTime(r.now()),
		string(StatusOnline), database.FormatTime(before),
	)
	if err != nil {
		return nil, fmt.Errorf("marking stale devices offline: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marking stale devices offline: %w", err)
	}
	return devices, nil
}

// Delete removes a tenant's device. Entities go with it via ON DELETE CASCADE.
func (r *SQLiteRepository) Delete(ctx context.Context, tenantID, id string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM devices WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// CountByTenant returns how many devices a tenant owns.
func (r *SQLiteRepository) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE tenant_id = ?`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, args ...any) (*Device, error) {
	d, err := scanDevice(r.q.QueryRowContext(ctx, query, args...), false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner, withCount bool) (*Device, error) {
	var (
		d                    Device
		mode, status         string
		createdAt, updatedAt string
		configJSON, lastSeen sql.NullString
	)
	dest := []any{
		&d.ID, &d.TenantID, &d.DeviceID, &d.TopicToken, &d.Name, &d.Type,
		&mode, &status, &configJSON, &lastSeen, &createdAt, &updatedAt,
	}
	if withCount {
		dest = append(dest, &d.EntityCount)
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	d.DiscoveryMode = entity.DiscoveryMode(mode)
	d.Status = Status(status)

	var err error
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &d.Config); err != nil {
			return nil, fmt.Errorf("device %s config: %w", d.ID, err)
		}
	}
	if lastSeen.Valid {
		t, err := database.ParseTime(lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("device %s last_seen: %w", d.ID, err)
		}
		d.LastSeen = &t
	}
	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("device %s created_at: %w", d.ID, err)
	}
	if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("device %s updated_at: %w", d.ID, err)
	}
	return &d, nil
}

func encodeConfig(c map[string]any) (any, error) {
	if len(c) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding device config: %w", err)
	}
	return string(b), nil
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
