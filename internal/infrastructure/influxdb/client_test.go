package influxdb_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/easysmart/iot-core/internal/infrastructure/config"
	"github.com/easysmart/iot-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for the local dev InfluxDB.
// These values match docker-compose.yml.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "iotcore-dev-token",
		Org:           "iotcore",
		Bucket:        "entity_history",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := influxdb.Connect(testConfig())
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

// connectWithErrors connects and captures the last async write error.
func connectWithErrors(t *testing.T) (*influxdb.Client, func() error) {
	t.Helper()
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	return client, func() error {
		client.Flush()
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return writeErr
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestEntityPoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  any
		want   []string
		absent string
	}{
		{"number", 71.5, []string{"value=71.5"}, "state="},
		{"bool on", true, []string{"state=true", "value=1"}, "text="},
		{"bool off", false, []string{"state=false", "value=0"}, "text="},
		{"text", "idle", []string{`text="idle"`}, "value="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := influxdb.EntityPoint(influxdb.EntitySample{
				TenantID:   "t-1",
				DeviceID:   "COMP01",
				EntityID:   "temp_oil",
				EntityType: "sensor",
				Unit:       "C",
				Value:      tt.value,
				At:         at,
			})
			if p == nil {
				t.Fatal("EntityPoint() = nil")
			}
			line := write.PointToLineProtocol(p, time.Nanosecond)

			if !strings.HasPrefix(line, influxdb.MeasurementEntityState+",") {
				t.Errorf("line = %q, want measurement prefix", line)
			}
			for _, tag := range []string{"tenant_id=t-1", "device_id=COMP01", "entity_id=temp_oil", "entity_type=sensor", "unit=C"} {
				if !strings.Contains(line, tag) {
					t.Errorf("line = %q, missing tag %q", line, tag)
				}
			}
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("line = %q, missing field %q", line, w)
				}
			}
			if strings.Contains(line, tt.absent) {
				t.Errorf("line = %q, unexpected %q", line, tt.absent)
			}
		})
	}
}

func TestEntityPoint_Unwritable(t *testing.T) {
	for _, v := range []any{nil, 3, map[string]any{"a": 1}} {
		if p := influxdb.EntityPoint(influxdb.EntitySample{EntityID: "x", Value: v}); p != nil {
			t.Errorf("EntityPoint(%v) = %v, want nil", v, p)
		}
	}
}

func TestEntityPoint_DefaultsTimestamp(t *testing.T) {
	before := time.Now()
	p := influxdb.EntityPoint(influxdb.EntitySample{EntityID: "x", Value: 1.0})
	if p.Time().Before(before) {
		t.Errorf("Time() = %v, want >= %v", p.Time(), before)
	}
}

func TestWriteEntityState(t *testing.T) {
	client, flush := connectWithErrors(t)

	client.WriteEntityState(influxdb.EntitySample{
		TenantID:   "t-1",
		DeviceID:   "HVAC01",
		EntityID:   "temperature",
		EntityType: "sensor",
		Unit:       "°C",
		Value:      21.5,
	})
	client.WriteEntityState(influxdb.EntitySample{
		TenantID:   "t-1",
		DeviceID:   "RELAY01",
		EntityID:   "relay_1",
		EntityType: "switch",
		Value:      true,
	})

	if err := flush(); err != nil {
		t.Errorf("Write error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client, _ := connectWithErrors(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := client.HealthCheck(cancelled); err == nil {
		t.Error("HealthCheck() should return error for cancelled context")
	}
}

func TestClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteEntityState(influxdb.EntitySample{EntityID: "close", Value: 1.0})

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}

	// Writes and flushes after close are dropped silently.
	client.WriteEntityState(influxdb.EntitySample{EntityID: "late", Value: 1.0})
	client.Flush()
}
