package mqtt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/config"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Model != "Parley Voice Coordinator" {
		t.Errorf("Model = %q", info.Model)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "den-parley",
		DiscoveryPrefix: "homeassistant",
	}
	p := New(cfg, "test-id", nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "parley/den-parley"},
		{"availabilityTopic", p.availabilityTopic(), "parley/den-parley/availability"},
		{"stateTopic health_level", p.stateTopic("health_level"), "parley/den-parley/health_level/state"},
		{"discoveryTopic sensor uptime", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/den-parley/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "test-parley",
		DiscoveryPrefix: "homeassistant",
		PublishInterval: 30 * time.Second,
	}
	p := New(cfg, "instance-123", nil, nil)

	defs := p.sensorDefinitions()
	byEntity := make(map[string]SensorConfig, len(defs))
	for _, d := range defs {
		byEntity[d.entitySuffix] = d.config
	}

	for _, entity := range []string{
		"health_level", "disconnect_reason", "cancel_state",
		"mic_state", "session_age", "uptime", "version", "reconnect_count",
	} {
		cfg, ok := byEntity[entity]
		if !ok {
			t.Errorf("missing sensor %q", entity)
			continue
		}
		if cfg.UniqueID != "instance-123_"+entity {
			t.Errorf("%s UniqueID = %q", entity, cfg.UniqueID)
		}
		if cfg.StateTopic != p.stateTopic(entity) {
			t.Errorf("%s StateTopic = %q", entity, cfg.StateTopic)
		}
		if cfg.AvailabilityTopic != p.availabilityTopic() {
			t.Errorf("%s AvailabilityTopic = %q", entity, cfg.AvailabilityTopic)
		}
		if cfg.Device.Identifiers[0] != "instance-123" {
			t.Errorf("%s Device.Identifiers = %v", entity, cfg.Device.Identifiers)
		}
	}

	if got := byEntity["reconnect_count"].StateClass; got != "total_increasing" {
		t.Errorf("reconnect_count StateClass = %q, want total_increasing", got)
	}
	if got := byEntity["health_level"].EntityCategory; got != "diagnostic" {
		t.Errorf("health_level EntityCategory = %q, want diagnostic", got)
	}
}
