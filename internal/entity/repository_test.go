package entity

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/easysmart/iot-core/internal/infrastructure/database"
	_ "github.com/easysmart/iot-core/migrations"
)

// setupTestDB opens an in-memory database with the embedded schema applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

// seedDevice inserts a tenant and a device row for entities to hang off.
func seedDevice(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	now := database.FormatTime(time.Now())
	_, err := db.Exec(`INSERT OR IGNORE INTO tenants (id, name, email, plan, created_at, updated_at)
		VALUES ('tenant-1', 'Acme', 'ops@acme.test', 'enterprise', ?, ?)`, now, now)
	if err != nil {
		t.Fatalf("seeding tenant: %v", err)
	}
	_, err = db.Exec(`INSERT INTO devices (id, tenant_id, device_id, topic_token, name, type, created_at, updated_at)
		VALUES (?, 'tenant-1', ?, ?, 'Device', 'esp32_generic', ?, ?)`, id, id, id, now, now)
	if err != nil {
		t.Fatalf("seeding device: %v", err)
	}
}

func newTestRepo(t *testing.T) (*SQLiteRepository, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	seedDevice(t, db, "dev-1")
	return NewSQLiteRepository(db), db
}

func TestSQLiteRepository_Create(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	t.Run("stores decoded fields", func(t *testing.T) {
		lo, hi := 0.0, 150.0
		e, err := repo.Create(ctx, Spec{
			DeviceID:      "dev-1",
			EntityID:      "temp_oil",
			Type:          TypeSensor,
			Name:          "Oil temperature",
			Unit:          "°C",
			Config:        Config{Readonly: true, Min: &lo, Max: &hi},
			DiscoveryMode: DiscoveryTemplate,
			MQTTTopic:     "devices/DEV1/temp_oil/state",
		})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.ID == "" || e.CreatedAt.IsZero() {
			t.Errorf("Create() did not assign id/created_at: %+v", e)
		}
		if e.Value.IsSet() || e.LastUpdated != nil {
			t.Errorf("Value = %#v, want no value yet", e.Value)
		}
		if !e.Config.Readonly || *e.Config.Max != 150 {
			t.Errorf("Config = %+v", e.Config)
		}
		if e.DiscoveryMode != DiscoveryTemplate || e.Unit != "°C" {
			t.Errorf("got %+v", e)
		}
	})

	t.Run("initial value is coerced", func(t *testing.T) {
		e, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "relay", Type: TypeSwitch, Name: "Relay", Value: "on"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.Value != StateValue(true) || e.LastUpdated == nil {
			t.Errorf("Value = %#v, LastUpdated = %v", e.Value, e.LastUpdated)
		}
		if e.DiscoveryMode != DiscoveryAuto {
			t.Errorf("DiscoveryMode = %q, want auto", e.DiscoveryMode)
		}
	})

	t.Run("duplicate entity", func(t *testing.T) {
		_, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "relay", Type: TypeSwitch, Name: "Again"})
		if !errors.Is(err, ErrDuplicateEntity) {
			t.Errorf("Create() error = %v, want ErrDuplicateEntity", err)
		}
	})

	t.Run("missing field", func(t *testing.T) {
		_, err := repo.Create(ctx, Spec{DeviceID: "dev-1", Type: TypeSwitch, Name: "No id"})
		if !errors.Is(err, ErrMissingField) {
			t.Errorf("Create() error = %v, want ErrMissingField", err)
		}
	})

	t.Run("invalid type", func(t *testing.T) {
		_, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "x", Type: "light", Name: "X"})
		if !errors.Is(err, ErrInvalidType) {
			t.Errorf("Create() error = %v, want ErrInvalidType", err)
		}
	})

	t.Run("invalid initial value", func(t *testing.T) {
		_, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "y", Type: TypeNumber, Name: "Y", Value: "abc"})
		if !errors.Is(err, ErrInvalidValue) {
			t.Errorf("Create() error = %v, want ErrInvalidValue", err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := repo.Create(ctx, Spec{DeviceID: "ghost", EntityID: "z", Type: TypeText, Name: "Z"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Create() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteRepository_Get(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "humidity", Type: TypeSensor, Name: "Humidity"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil || got.EntityID != "humidity" {
		t.Errorf("GetByID() = %+v, %v", got, err)
	}

	got, err = repo.GetByDeviceAndEntityID(ctx, "dev-1", "humidity")
	if err != nil || got.ID != created.ID {
		t.Errorf("GetByDeviceAndEntityID() = %+v, %v", got, err)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetByDeviceAndEntityID(ctx, "dev-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByDeviceAndEntityID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_ListByDevice(t *testing.T) {
	repo, db := newTestRepo(t)
	seedDevice(t, db, "dev-2")
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: id, Type: TypeText, Name: id}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	if _, err := repo.Create(ctx, Spec{DeviceID: "dev-2", EntityID: "other", Type: TypeText, Name: "o"}); err != nil {
		t.Fatalf("Create(other) error = %v", err)
	}

	list, err := repo.ListByDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListByDevice() len = %d, want 3", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].EntityID != want {
			t.Errorf("list[%d] = %s, want %s (creation order)", i, list[i].EntityID, want)
		}
	}
}

func TestSQLiteRepository_Topics(t *testing.T) {
	repo, db := newTestRepo(t)
	seedDevice(t, db, "dev-2")
	ctx := context.Background()

	first, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "t", Type: TypeSensor, Name: "T", MQTTTopic: "devices/SHARED/t/state"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, Spec{DeviceID: "dev-2", EntityID: "t", Type: TypeSensor, Name: "T", MQTTTopic: "devices/SHARED/t/state"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "h", Type: TypeSensor, Name: "H", MQTTTopic: "devices/DEV1/h/state"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "unbound", Type: TypeSensor, Name: "U"}); err != nil {
		t.Fatal(err)
	}

	t.Run("FindByTopic returns earliest", func(t *testing.T) {
		got, err := repo.FindByTopic(ctx, "devices/SHARED/t/state")
		if err != nil {
			t.Fatalf("FindByTopic() error = %v", err)
		}
		if got.ID != first.ID {
			t.Errorf("FindByTopic() = %s, want first created %s", got.ID, first.ID)
		}
	})

	t.Run("FindByTopic miss", func(t *testing.T) {
		if _, err := repo.FindByTopic(ctx, "devices/NOPE/x/state"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindByTopic() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListTopics counts claims", func(t *testing.T) {
		topics, err := repo.ListTopics(ctx)
		if err != nil {
			t.Fatalf("ListTopics() error = %v", err)
		}
		want := []TopicCount{{"devices/DEV1/h/state", 1}, {"devices/SHARED/t/state", 2}}
		if len(topics) != len(want) {
			t.Fatalf("ListTopics() = %v, want %v", topics, want)
		}
		for i := range want {
			if topics[i] != want[i] {
				t.Errorf("topics[%d] = %v, want %v", i, topics[i], want[i])
			}
		}
	})

	t.Run("ListBound skips unbound", func(t *testing.T) {
		bound, err := repo.ListBound(ctx)
		if err != nil {
			t.Fatalf("ListBound() error = %v", err)
		}
		if len(bound) != 3 {
			t.Errorf("ListBound() len = %d, want 3", len(bound))
		}
	})
}

func TestSQLiteRepository_UpdateValue(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	for _, s := range []Spec{
		{DeviceID: "dev-1", EntityID: "relay", Type: TypeSwitch, Name: "Relay"},
		{DeviceID: "dev-1", EntityID: "temp", Type: TypeSensor, Name: "Temp"},
		{DeviceID: "dev-1", EntityID: "mode", Type: TypeText, Name: "Mode"},
	} {
		if _, err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create(%s) error = %v", s.EntityID, err)
		}
	}

	tests := []struct {
		entityID string
		raw      any
		want     Value
	}{
		{"relay", 1, StateValue(true)},
		{"temp", "23.5", NumberValue(23.5)},
		{"mode", 42, TextValue("42")},
	}
	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			e, err := repo.UpdateValue(ctx, "dev-1", tt.entityID, tt.raw)
			if err != nil {
				t.Fatalf("UpdateValue() error = %v", err)
			}
			if e.Value != tt.want {
				t.Errorf("Value = %#v, want %#v", e.Value, tt.want)
			}
			if e.LastUpdated == nil || !e.LastUpdated.Equal(fixed) {
				t.Errorf("LastUpdated = %v, want %v", e.LastUpdated, fixed)
			}
		})
	}

	t.Run("invalid value leaves state", func(t *testing.T) {
		if _, err := repo.UpdateValue(ctx, "dev-1", "temp", "warm"); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("UpdateValue() error = %v, want ErrInvalidValue", err)
		}
		e, err := repo.GetByDeviceAndEntityID(ctx, "dev-1", "temp")
		if err != nil {
			t.Fatal(err)
		}
		if e.Value != NumberValue(23.5) {
			t.Errorf("Value = %#v, want unchanged 23.5", e.Value)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := repo.UpdateValue(ctx, "dev-1", "missing", 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateValue() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteRepository_UpdateConfig(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	e, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "co2", Type: TypeSensor, Name: "CO2", Unit: "ppm", Icon: "cloud"})
	if err != nil {
		t.Fatal(err)
	}

	name, unit := "Carbon dioxide", ""
	updated, err := repo.UpdateConfig(ctx, e.ID, Patch{Name: &name, Unit: &unit, Config: &Config{Readonly: true}})
	if err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if updated.Name != name || updated.Unit != "" || updated.Icon != "cloud" || !updated.Config.Readonly {
		t.Errorf("UpdateConfig() = %+v", updated)
	}

	if _, err := repo.UpdateConfig(ctx, e.ID, Patch{}); !errors.Is(err, ErrNoFields) {
		t.Errorf("UpdateConfig(empty) error = %v, want ErrNoFields", err)
	}
	if _, err := repo.UpdateConfig(ctx, "missing", Patch{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateConfig(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	locked, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "relay_main", Type: TypeSwitch, Name: "Main", Config: Config{Locked: true}, DiscoveryMode: DiscoveryTemplate})
	if err != nil {
		t.Fatal(err)
	}
	free, err := repo.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "extra", Type: TypeSensor, Name: "Extra"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := repo.Delete(ctx, locked.ID); !errors.Is(err, ErrLocked) {
		t.Errorf("Delete(locked) error = %v, want ErrLocked", err)
	}
	if _, err := repo.GetByID(ctx, locked.ID); err != nil {
		t.Errorf("locked entity was removed: %v", err)
	}

	deleted, err := repo.Delete(ctx, free.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted.EntityID != "extra" {
		t.Errorf("Delete() returned %s", deleted.EntityID)
	}
	if _, err := repo.GetByID(ctx, free.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(deleted) error = %v, want ErrNotFound", err)
	}

	if _, err := repo.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}

	n, err := repo.DeleteByDevice(ctx, "dev-1")
	if err != nil || n != 1 {
		t.Errorf("DeleteByDevice() = %d, %v, want 1 (locked included)", n, err)
	}
}

func TestSQLiteRepository_WithQuerier(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	errAbort := errors.New("abort")
	err := database.RunInTx(ctx, db, func(q database.Querier) error {
		tx := repo.WithQuerier(q)
		if _, err := tx.Create(ctx, Spec{DeviceID: "dev-1", EntityID: "a", Type: TypeSwitch, Name: "A"}); err != nil {
			return err
		}
		if _, err := tx.UpdateValue(ctx, "dev-1", "a", true); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("RunInTx() error = %v, want errAbort", err)
	}

	if _, err := repo.GetByDeviceAndEntityID(ctx, "dev-1", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entity survived rollback: %v", err)
	}
}

func TestSQLiteRepository_UpdateValue_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	columns := []string{"id", "device_id", "entity_id", "entity_type", "name", "value", "unit", "icon",
		"config", "discovery_mode", "mqtt_topic", "last_updated", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM entities WHERE device_id").
		WithArgs("dev-1", "temp").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"e-1", "dev-1", "temp", "sensor", "Temp", nil, nil, nil,
			nil, "auto", nil, nil, "2026-03-01T12:00:00.000000Z",
		))
	mock.ExpectExec("UPDATE entities SET value").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	repo := NewSQLiteRepository(db)
	if _, err := repo.UpdateValue(context.Background(), "dev-1", "temp", 21.0); err == nil {
		t.Fatal("UpdateValue() should fail when the write fails")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
