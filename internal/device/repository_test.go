package device

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/easysmart/iot-core/internal/entity"
	"github.com/easysmart/iot-core/internal/infrastructure/database"
	_ "github.com/easysmart/iot-core/migrations"
)

// setupTestDB opens an in-memory database with the embedded schema and two tenants.
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

	now := database.FormatTime(time.Now())
	for _, id := range []string{"tenant-a", "tenant-b"} {
		if _, err := db.Exec(`INSERT INTO tenants (id, name, email, plan, created_at, updated_at)
			VALUES (?, ?, ?, 'enterprise', ?, ?)`, id, id, id+"@test", now, now); err != nil {
			t.Fatalf("seeding tenant: %v", err)
		}
	}
	return db.DB
}

// testDevice creates a device for testing.
func testDevice(tenantID, deviceID, token string) *Device {
	return &Device{
		TenantID:      tenantID,
		DeviceID:      deviceID,
		TopicToken:    token,
		Name:          "Device " + deviceID,
		Type:          "hvac_sensor",
		DiscoveryMode: entity.DiscoveryAuto,
		Config:        map[string]any{"location": "plant 2"},
	}
}

func TestSQLiteRepository_Create(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	d := testDevice("tenant-a", "hvac-01", "HVAC01")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.ID == "" || d.Status != StatusOffline {
		t.Errorf("Create() = %+v, want id and offline status", d)
	}

	got, err := repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.TopicToken != "HVAC01" || got.Config["location"] != "plant 2" || got.LastSeen != nil {
		t.Errorf("GetByID() = %+v", got)
	}

	t.Run("duplicate in tenant", func(t *testing.T) {
		err := repo.Create(ctx, testDevice("tenant-a", "hvac-01", "HVAC01"))
		if !errors.Is(err, ErrDeviceExists) {
			t.Errorf("Create() error = %v, want ErrDeviceExists", err)
		}
	})

	t.Run("same id in another tenant", func(t *testing.T) {
		if err := repo.Create(ctx, testDevice("tenant-b", "hvac-01", "HVAC01")); err != nil {
			t.Errorf("Create() error = %v", err)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		bad := testDevice("tenant-a", "x", "X")
		bad.Name = " "
		err := repo.Create(ctx, bad)
		if !errors.Is(err, ErrInvalidDevice) || !errors.Is(err, entity.ErrMissingField) {
			t.Errorf("Create() error = %v, want ErrInvalidDevice+ErrMissingField", err)
		}
	})

	t.Run("bad discovery mode", func(t *testing.T) {
		bad := testDevice("tenant-a", "y", "Y")
		bad.DiscoveryMode = "manual"
		if err := repo.Create(ctx, bad); !errors.Is(err, entity.ErrInvalidValue) {
			t.Errorf("Create() error = %v, want ErrInvalidValue", err)
		}
	})

	t.Run("unknown tenant", func(t *testing.T) {
		if err := repo.Create(ctx, testDevice("ghost", "z", "Z")); !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("Create() error = %v, want ErrInvalidDevice", err)
		}
	})
}

func TestSQLiteRepository_TenantScoping(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	d := testDevice("tenant-a", "relay-1", "RELAY1")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.GetForTenant(ctx, "tenant-b", d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetForTenant(other) error = %v, want ErrDeviceNotFound", err)
	}
	name := "stolen"
	if _, err := repo.Update(ctx, "tenant-b", d.ID, Update{Name: &name}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Update(other) error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.Delete(ctx, "tenant-b", d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Delete(other) error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := repo.GetForTenant(ctx, "tenant-a", d.ID); err != nil {
		t.Errorf("GetForTenant(owner) error = %v", err)
	}
}

func TestSQLiteRepository_ListByTenant(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	first := testDevice("tenant-a", "a-1", "A1")
	second := testDevice("tenant-a", "a-2", "A2")
	for _, d := range []*Device{first, second, testDevice("tenant-b", "b-1", "B1")} {
		if err := repo.Create(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	entities := entity.NewSQLiteRepository(db)
	for _, id := range []string{"temperature", "humidity"} {
		if _, err := entities.Create(ctx, entity.Spec{DeviceID: first.ID, EntityID: id, Type: entity.TypeSensor, Name: id}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := repo.ListByTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListByTenant() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListByTenant() len = %d, want 2", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("ListByTenant() not newest first")
	}
	if list[1].EntityCount != 2 || list[0].EntityCount != 0 {
		t.Errorf("entity counts = %d, %d, want 0, 2", list[0].EntityCount, list[1].EntityCount)
	}

	n, err := repo.CountByTenant(ctx, "tenant-a")
	if err != nil || n != 2 {
		t.Errorf("CountByTenant() = %d, %v, want 2", n, err)
	}

	empty, err := repo.ListByTenant(ctx, "nobody")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("ListByTenant(nobody) = %v, %v, want empty slice", empty, err)
	}
}

func TestSQLiteRepository_ListByTopicToken(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, d := range []*Device{
		testDevice("tenant-a", "esp-32:AA", "ESP32AA"),
		testDevice("tenant-b", "ESP32AA", "ESP32AA"),
		testDevice("tenant-a", "other", "OTHER"),
	} {
		if err := repo.Create(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.ListByTopicToken(ctx, "ESP32AA")
	if err != nil {
		t.Fatalf("ListByTopicToken() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListByTopicToken() len = %d, want 2", len(got))
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	d := testDevice("tenant-a", "gate", "GATE")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatal(err)
	}

	name := "Front gate"
	mode := entity.DiscoveryHybrid
	got, err := repo.Update(ctx, "tenant-a", d.ID, Update{Name: &name, DiscoveryMode: &mode})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Name != name || got.DiscoveryMode != mode || got.Type != "hvac_sensor" || got.Config["location"] != "plant 2" {
		t.Errorf("Update() = %+v, want unset fields kept", got)
	}

	got, err = repo.Update(ctx, "tenant-a", d.ID, Update{Config: map[string]any{}})
	if err != nil {
		t.Fatalf("Update(clear config) error = %v", err)
	}
	if len(got.Config) != 0 {
		t.Errorf("Config = %v, want cleared", got.Config)
	}

	if _, err := repo.Update(ctx, "tenant-a", d.ID, Update{}); !errors.Is(err, entity.ErrNoFields) {
		t.Errorf("Update(empty) error = %v, want ErrNoFields", err)
	}
	bad := Status("sleeping")
	if _, err := repo.Update(ctx, "tenant-a", d.ID, Update{Status: &bad}); !errors.Is(err, entity.ErrInvalidValue) {
		t.Errorf("Update(bad status) error = %v, want ErrInvalidValue", err)
	}
}

func TestSQLiteRepository_Presence(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := testDevice("tenant-a", "stale", "STALE")
	fresh := testDevice("tenant-a", "fresh", "FRESH")
	never := testDevice("tenant-a", "never", "NEVER")
	for _, d := range []*Device{stale, fresh, never} {
		if err := repo.Create(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	if err := repo.UpdateStatus(ctx, stale.ID, StatusOnline, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := repo.UpdateStatus(ctx, fresh.ID, StatusOnline, now.Add(-time.Minute)); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := repo.UpdateStatus(ctx, "missing", StatusOnline, now); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.UpdateStatus(ctx, fresh.ID, "asleep", now); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("UpdateStatus(asleep) error = %v, want ErrInvalidDevice", err)
	}

	changed, err := repo.MarkStaleOffline(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleOffline() error = %v", err)
	}
	if len(changed) != 1 || changed[0].ID != stale.ID || changed[0].Status != StatusOffline || changed[0].TenantID != stale.TenantID {
		t.Errorf("MarkStaleOffline() = %+v, want only %s now offline", changed, stale.DeviceID)
	}
	if again, err := repo.MarkStaleOffline(ctx, now.Add(-5*time.Minute)); err != nil || len(again) != 0 {
		t.Errorf("second MarkStaleOffline() = %d devices, %v; want none", len(again), err)
	}

	for id, want := range map[string]Status{stale.ID: StatusOffline, fresh.ID: StatusOnline, never.ID: StatusOffline} {
		got, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != want {
			t.Errorf("device %s status = %s, want %s", got.DeviceID, got.Status, want)
		}
	}

	got, _ := repo.GetByID(ctx, stale.ID)
	if got.LastSeen == nil || !got.LastSeen.Equal(now.Add(-10*time.Minute)) {
		t.Errorf("LastSeen = %v", got.LastSeen)
	}
}

func TestSQLiteRepository_DeleteCascades(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	d := testDevice("tenant-a", "comp", "COMP")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatal(err)
	}
	entities := entity.NewSQLiteRepository(db)
	e, err := entities.Create(ctx, entity.Spec{DeviceID: d.ID, EntityID: "relay_main", Type: entity.TypeSwitch, Name: "Relay", Config: entity.Config{Locked: true}})
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.Delete(ctx, "tenant-a", d.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := entities.GetByID(ctx, e.ID); !errors.Is(err, entity.ErrNotFound) {
		t.Errorf("entity survived device delete: %v", err)
	}
	if err := repo.Delete(ctx, "tenant-a", d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Delete(again) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestDevice_DeepCopy(t *testing.T) {
	seen := time.Now()
	d := &Device{Config: map[string]any{"k": "v"}, LastSeen: &seen}
	cpy := d.DeepCopy()
	cpy.Config["k"] = "changed"
	*cpy.LastSeen = seen.Add(time.Hour)

	if d.Config["k"] != "v" || !d.LastSeen.Equal(seen) {
		t.Error("DeepCopy() shares state")
	}
	if (*Device)(nil).DeepCopy() != nil {
		t.Error("nil DeepCopy() != nil")
	}
}
