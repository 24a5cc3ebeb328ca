package template

import (
	"errors"
	"testing"

	"github.com/easysmart/iot-core/internal/entity"
)

func TestBuiltin_List(t *testing.T) {
	want := []struct {
		typ   string
		mode  entity.DiscoveryMode
		count int
	}{
		{TypeCompressorMonitor, entity.DiscoveryHybrid, 6},
		{TypeGateController, entity.DiscoveryTemplate, 4},
		{TypeHVACSensor, entity.DiscoveryAuto, 3},
		{TypeRelayBoard, entity.DiscoveryTemplate, 4},
		{TypeEnergyMeter, entity.DiscoveryAuto, 5},
		{TypeESP32Generic, entity.DiscoveryAuto, 0},
	}

	got := Builtin().List()
	if len(got) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].DiscoveryMode != w.mode || got[i].EntityCount != w.count {
			t.Errorf("List()[%d] = %+v, want %s/%s/%d", i, got[i], w.typ, w.mode, w.count)
		}
		if got[i].Name == "" || got[i].Description == "" {
			t.Errorf("List()[%d] missing name or description", i)
		}
	}
}

func TestBuiltin_Get(t *testing.T) {
	bp, err := Builtin().Get(TypeCompressorMonitor)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	relay := bp.Entities[0]
	if relay.EntityID != "relay_main" || relay.Type != entity.TypeSwitch || !relay.Config.Locked {
		t.Errorf("first skeleton = %+v, want locked relay_main switch", relay)
	}
	if relay.Initial != false {
		t.Errorf("relay_main initial = %v, want false", relay.Initial)
	}

	oil := bp.Entities[1]
	if oil.Unit != "°C" || !oil.Config.Readonly || *oil.Config.Max != 150 {
		t.Errorf("temp_oil = %+v", oil)
	}
}

func TestCatalog_GetReturnsCopy(t *testing.T) {
	c := Builtin()

	bp, _ := c.Get(TypeGateController)
	bp.Entities[0].Config.Locked = false
	bp.Entities[0].Name = "changed"
	bp.Entities = bp.Entities[:1]

	again, _ := c.Get(TypeGateController)
	if len(again.Entities) != 4 || again.Entities[0].Name == "changed" || !again.Entities[0].Config.Locked {
		t.Error("mutating a returned blueprint changed the catalog")
	}
}

func TestCatalog_Unknown(t *testing.T) {
	c := Builtin()

	if _, err := c.Get("toaster"); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("Get(toaster) error = %v, want ErrUnknownTemplate", err)
	}
	if c.IsValidType("toaster") {
		t.Error("IsValidType(toaster) = true")
	}
	if !c.IsValidType(TypeRelayBoard) {
		t.Error("IsValidType(relay_board) = false")
	}
	if got := c.DiscoveryMode("toaster"); got != entity.DiscoveryAuto {
		t.Errorf("DiscoveryMode(toaster) = %q, want auto", got)
	}
	if got := c.DiscoveryMode(TypeGateController); got != entity.DiscoveryTemplate {
		t.Errorf("DiscoveryMode(gate_controller) = %q, want template", got)
	}
}

func TestNewCatalog_Rejects(t *testing.T) {
	sensor := Skeleton{EntityID: "t", Type: entity.TypeSensor, Name: "T"}

	tests := []struct {
		name string
		bps  []Blueprint
	}{
		{"empty type", []Blueprint{{DiscoveryMode: entity.DiscoveryAuto}}},
		{"bad mode", []Blueprint{{Type: "x", DiscoveryMode: "manual"}}},
		{"duplicate type", []Blueprint{
			{Type: "x", DiscoveryMode: entity.DiscoveryAuto},
			{Type: "x", DiscoveryMode: entity.DiscoveryAuto},
		}},
		{"duplicate entity", []Blueprint{{Type: "x", DiscoveryMode: entity.DiscoveryTemplate, Entities: []Skeleton{sensor, sensor}}}},
		{"bad entity type", []Blueprint{{Type: "x", DiscoveryMode: entity.DiscoveryTemplate,
			Entities: []Skeleton{{EntityID: "l", Type: "light", Name: "L"}}}}},
		{"bad initial", []Blueprint{{Type: "x", DiscoveryMode: entity.DiscoveryTemplate,
			Entities: []Skeleton{{EntityID: "n", Type: entity.TypeNumber, Name: "N", Initial: "abc"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.bps); !errors.Is(err, ErrInvalidBlueprint) {
				t.Errorf("NewCatalog() error = %v, want ErrInvalidBlueprint", err)
			}
		})
	}
}

func TestCatalog_Types(t *testing.T) {
	types := Builtin().Types()
	types[0] = "mutated"
	if Builtin().Types()[0] != TypeCompressorMonitor {
		t.Error("Types() exposes internal slice")
	}
}
