package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/easysmart/iot-core/internal/infrastructure/database"
	_ "github.com/easysmart/iot-core/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{TenantID: "t1", Action: ActionDeviceCreate, EntityType: "device", EntityID: "d1", Source: SourceAPI, CreatedAt: base},
		{TenantID: "t1", Action: ActionEntityBulkCreate, EntityType: "device", EntityID: "d1", Details: map[string]any{"created": 5, "failed": 1}, CreatedAt: base.Add(time.Second)},
		{TenantID: "t2", Action: ActionDeviceCreate, EntityType: "device", EntityID: "d9", CreatedAt: base},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.ID == "" {
			t.Error("Create() did not assign an id")
		}
	}

	res, err := repo.List(ctx, Filter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 2 || len(res.Logs) != 2 {
		t.Fatalf("List() total = %d, len = %d, want 2", res.Total, len(res.Logs))
	}
	if res.Logs[0].Action != ActionEntityBulkCreate {
		t.Errorf("List()[0].Action = %s, want most recent first", res.Logs[0].Action)
	}
	if res.Logs[0].Source != SourceSystem {
		t.Errorf("default Source = %s, want %s", res.Logs[0].Source, SourceSystem)
	}
	if res.Logs[0].Details["created"] != float64(5) {
		t.Errorf("Details = %v", res.Logs[0].Details)
	}
	if !res.Logs[1].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", res.Logs[1].CreatedAt, base)
	}

	t.Run("filter by action", func(t *testing.T) {
		res, err := repo.List(ctx, Filter{TenantID: "t1", Action: ActionDeviceCreate})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total != 1 {
			t.Errorf("Total = %d, want 1", res.Total)
		}
	})

	t.Run("limit clamp", func(t *testing.T) {
		res, err := repo.List(ctx, Filter{TenantID: "t1", Limit: 1000, Offset: -3})
		if err != nil {
			t.Fatal(err)
		}
		if res.Limit != 200 || res.Offset != 0 {
			t.Errorf("Limit/Offset = %d/%d, want 200/0", res.Limit, res.Offset)
		}
	})
}

func TestSQLiteRepository_CreateRequiresTenant(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Create(context.Background(), &Entry{Action: ActionDeviceDelete, EntityType: "device"}); !errors.Is(err, ErrTenantRequired) {
		t.Errorf("Create() without tenant error = %v, want ErrTenantRequired", err)
	}
	if _, err := repo.List(context.Background(), Filter{}); !errors.Is(err, ErrTenantRequired) {
		t.Errorf("List() without tenant error = %v, want ErrTenantRequired", err)
	}
}

func TestSQLiteRepository_TimeWindowAndSource(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, src := range []string{SourceAPI, SourceDiscovery, SourceDiscovery, SourceAPI} {
		e := &Entry{
			TenantID:   "t1",
			Action:     ActionEntityCreate,
			EntityType: "entity",
			Source:     src,
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"since inclusive", Filter{Since: base.Add(time.Hour)}, 3},
		{"until exclusive", Filter{Until: base.Add(time.Hour)}, 1},
		{"window", Filter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)}, 2},
		{"source", Filter{Source: SourceDiscovery}, 2},
		{"offset past end", Filter{Offset: 10}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.filter.TenantID = "t1"
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if res.Total != tt.want {
				t.Errorf("Total = %d, want %d", res.Total, tt.want)
			}
			if tt.filter.Offset >= res.Total && len(res.Logs) != 0 {
				t.Errorf("len(Logs) = %d past the end", len(res.Logs))
			}
		})
	}
}
