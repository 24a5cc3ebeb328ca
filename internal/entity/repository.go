package entity

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

// Repository defines entity persistence. All values and configs cross
// this boundary decoded; callers never see stored JSON.
type Repository interface {
	// Create validates and inserts one entity.
	// Returns ErrMissingField, ErrInvalidType, ErrInvalidValue or ErrDuplicateEntity.
	Create(ctx context.Context, spec Spec) (*Entity, error)

	// GetByID returns ErrNotFound if the entity does not exist.
	GetByID(ctx context.Context, id string) (*Entity, error)

	// GetByDeviceAndEntityID resolves an entity by its device-scoped identifier.
	GetByDeviceAndEntityID(ctx context.Context, deviceID, entityID string) (*Entity, error)

	// ListByDevice returns a device's entities in creation order.
	ListByDevice(ctx context.Context, deviceID string) ([]Entity, error)

	// ListBound returns every entity that has a topic.
	ListBound(ctx context.Context) ([]Entity, error)

	// ListTopics returns each bound topic with the number of entities claiming it.
	ListTopics(ctx context.Context) ([]TopicCount, error)

	// FindByTopic returns the earliest-created entity bound to topic.
	FindByTopic(ctx context.Context, topic string) (*Entity, error)

	// UpdateValue coerces raw by the entity's kind and stores it, in one transaction.
	UpdateValue(ctx context.Context, deviceID, entityID string, raw any) (*Entity, error)

	// UpdateConfig applies a partial update. Returns ErrNoFields for an empty patch.
	UpdateConfig(ctx context.Context, id string, patch Patch) (*Entity, error)

	// Delete removes an entity and returns it. Returns ErrLocked for locked entities.
	Delete(ctx context.Context, id string) (*Entity, error)

	// DeleteByDevice removes every entity of a device and returns the count.
	DeleteByDevice(ctx context.Context, deviceID string) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db database.TxBeginner
	q  database.Querier
	// now is replaceable in tests.
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, q: db, now: time.Now}
}

// WithQuerier returns a repository bound to q, typically a *sql.Tx owned by
// the caller. Multi-statement operations then run inside that transaction
// instead of opening their own.
func (r *SQLiteRepository) WithQuerier(q database.Querier) *SQLiteRepository {
	return &SQLiteRepository{q: q, now: r.now}
}

// inTx runs fn against a repository bound to a transaction. A repository
// that is already bound runs fn directly.
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(tx *SQLiteRepository) error) error {
	if r.db == nil {
		return fn(r)
	}
	return database.RunInTx(ctx, r.db, func(q database.Querier) error {
		return fn(r.WithQuerier(q))
	})
}

const selectColumns = `
	SELECT id, device_id, entity_id, entity_type, name, value, unit, icon,
		config, discovery_mode, mqtt_topic, last_updated, created_at
	FROM entities`

// Create validates and inserts one entity.
func (r *SQLiteRepository) Create(ctx context.Context, spec Spec) (*Entity, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	mode := spec.DiscoveryMode
	if mode == "" {
		mode = DiscoveryAuto
	}

	var value any
	if spec.Value != nil {
		encoded, err := Encode(spec.Type, spec.Value)
		if err != nil {
			return nil, err
		}
		value = string(encoded)
	}

	config, err := encodeConfig(spec.Config)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := database.FormatTime(r.now())
	var lastUpdated any
	if value != nil {
		lastUpdated = now
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO entities (
			id, device_id, entity_id, entity_type, name, value, unit, icon,
			config, discovery_mode, mqtt_topic, last_updated, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, spec.DeviceID, spec.EntityID, string(spec.Type), spec.Name, value,
		nullString(spec.Unit), nullString(spec.Icon), config, string(mode),
		nullString(spec.MQTTTopic), lastUpdated, now,
	)
	if err != nil {
		switch {
		case database.IsUniqueConstraintError(err):
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateEntity, spec.DeviceID, spec.EntityID)
		case database.IsForeignKeyError(err):
			return nil, fmt.Errorf("%w: device %s", ErrNotFound, spec.DeviceID)
		}
		return nil, fmt.Errorf("inserting entity: %w", err)
	}

	return r.GetByID(ctx, id)
}

// GetByID retrieves an entity by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Entity, error) {
	return r.getOne(ctx, selectColumns+` WHERE id = ?`, id)
}

// GetByDeviceAndEntityID resolves an entity by device and entity identifier.
func (r *SQLiteRepository) GetByDeviceAndEntityID(ctx context.Context, deviceID, entityID string) (*Entity, error) {
	return r.getOne(ctx, selectColumns+` WHERE device_id = ? AND entity_id = ?`, deviceID, entityID)
}

// ListByDevice returns a device's entities in creation order.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string) ([]Entity, error) {
	return r.query(ctx, selectColumns+` WHERE device_id = ? ORDER BY created_at, rowid`, deviceID)
}

// ListBound returns every entity that has a topic.
func (r *SQLiteRepository) ListBound(ctx context.Context) ([]Entity, error) {
	return r.query(ctx, selectColumns+` WHERE mqtt_topic IS NOT NULL AND mqtt_topic != '' ORDER BY created_at, rowid`)
}

// ListTopics returns each bound topic with its claim count, sorted by topic.
func (r *SQLiteRepository) ListTopics(ctx context.Context) ([]TopicCount, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT mqtt_topic, COUNT(*)
		FROM entities
		WHERE mqtt_topic IS NOT NULL AND mqtt_topic != ''
		GROUP BY mqtt_topic
		ORDER BY mqtt_topic`)
	if err != nil {
		return nil, fmt.Errorf("querying entity topics: %w", err)
	}
	defer rows.Close()

	var topics []TopicCount
	for rows.Next() {
		var tc TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, fmt.Errorf("scanning entity topic: %w", err)
		}
		topics = append(topics, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity topics: %w", err)
	}
	return topics, nil
}

// FindByTopic returns the earliest-created entity bound to topic.
func (r *SQLiteRepository) FindByTopic(ctx context.Context, topic string) (*Entity, error) {
	return r.getOne(ctx, selectColumns+` WHERE mqtt_topic = ? ORDER BY created_at, rowid LIMIT 1`, topic)
}

// UpdateValue coerces raw by the entity's kind and stores it. The lookup and
// the write share one transaction.
func (r *SQLiteRepository) UpdateValue(ctx context.Context, deviceID, entityID string, raw any) (*Entity, error) {
	var updated *Entity
	err := r.inTx(ctx, func(tx *SQLiteRepository) error {
		current, err := tx.GetByDeviceAndEntityID(ctx, deviceID, entityID)
		if err != nil {
			return err
		}

		encoded, err := Encode(current.Type, raw)
		if err != nil {
			return err
		}

		_, err = tx.q.ExecContext(ctx,
			`UPDATE entities SET value = ?, last_updated = ? WHERE id = ?`,
			string(encoded), database.FormatTime(tx.now()), current.ID,
		)
		if err != nil {
			return fmt.Errorf("updating entity value: %w", err)
		}

		updated, err = tx.GetByID(ctx, current.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateConfig applies a partial update of name, unit, icon and config.
func (r *SQLiteRepository) UpdateConfig(ctx context.Context, id string, patch Patch) (*Entity, error) {
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}

	var (
		sets []string
		args []any
	)
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Unit != nil {
		sets = append(sets, "unit = ?")
		args = append(args, nullString(*patch.Unit))
	}
	if patch.Icon != nil {
		sets = append(sets, "icon = ?")
		args = append(args, nullString(*patch.Icon))
	}
	if patch.Config != nil {
		config, err := encodeConfig(*patch.Config)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "config = ?")
		args = append(args, config)
	}
	args = append(args, id)

	query := `UPDATE entities SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating entity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	return r.GetByID(ctx, id)
}

// Delete removes an entity unless its config marks it locked.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) (*Entity, error) {
	var deleted *Entity
	err := r.inTx(ctx, func(tx *SQLiteRepository) error {
		current, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Config.Locked {
			return fmt.Errorf("%w: %s", ErrLocked, current.EntityID)
		}

		if _, err := tx.q.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting entity: %w", err)
		}
		deleted = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteByDevice removes every entity of a device, locked or not.
func (r *SQLiteRepository) DeleteByDevice(ctx context.Context, deviceID string) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM entities WHERE device_id = ?`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("deleting device entities: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, args ...any) (*Entity, error) {
	e, err := scanEntity(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying entity: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*Entity, error) {
	var (
		e                                Entity
		entityType, mode, createdAt      string
		value, unit, icon, config, topic sql.NullString
		lastUpdated                      sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.DeviceID, &e.EntityID, &entityType, &e.Name, &value, &unit, &icon,
		&config, &mode, &topic, &lastUpdated, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = Type(entityType)
	e.DiscoveryMode = DiscoveryMode(mode)
	e.Unit = unit.String
	e.Icon = icon.String
	e.MQTTTopic = topic.String

	if value.Valid {
		if e.Value, err = Decode(e.Type, []byte(value.String)); err != nil {
			return nil, fmt.Errorf("entity %s value: %w", e.ID, err)
		}
	}
	if config.Valid {
		if err := json.Unmarshal([]byte(config.String), &e.Config); err != nil {
			return nil, fmt.Errorf("entity %s config: %w", e.ID, err)
		}
	}
	if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("entity %s created_at: %w", e.ID, err)
	}
	if lastUpdated.Valid {
		t, err := database.ParseTime(lastUpdated.String)
		if err != nil {
			return nil, fmt.Errorf("entity %s last_updated: %w", e.ID, err)
		}
		e.LastUpdated = &t
	}
	return &e, nil
}

// encodeConfig returns the column value for a config: NULL when empty.
func encodeConfig(c Config) (any, error) {
	if c.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
