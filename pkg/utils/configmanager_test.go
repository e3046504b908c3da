package utils

import (
	"testing"
	"time"
)

func newTestConfigManager(t *testing.T, values map[string]string) *ConfigManager {
	t.Helper()
	cm, err := NewConfigManager(&ConfigManagerConfig{Source: NewMapSource(values)})
	if err != nil {
		t.Fatalf("create config manager: %v", err)
	}
	return cm
}

func TestGetStringDefaults(t *testing.T) {
	cm := newTestConfigManager(t, map[string]string{
		"NAME":  "planr",
		"EMPTY": "",
	})
	if got := cm.GetString("NAME", "fallback"); got != "planr" {
		t.Fatalf("expected planr, got %s", got)
	}
	if got := cm.GetString("EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("empty value should fall back, got %s", got)
	}
	if got := cm.GetString("MISSING", "fallback"); got != "fallback" {
		t.Fatalf("missing key should fall back, got %s", got)
	}
}

func TestGetIntRangeClamps(t *testing.T) {
	cm := newTestConfigManager(t, map[string]string{
		"LOW":  "-5",
		"HIGH": "9000",
		"OK":   "7",
		"BAD":  "not-a-number",
	})
	if got := cm.GetIntRange("LOW", 4, 1, 16); got != 1 {
		t.Fatalf("expected clamp to 1, got %d", got)
	}
	if got := cm.GetIntRange("HIGH", 4, 1, 16); got != 16 {
		t.Fatalf("expected clamp to 16, got %d", got)
	}
	if got := cm.GetIntRange("OK", 4, 1, 16); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := cm.GetIntRange("BAD", 4, 1, 16); got != 4 {
		t.Fatalf("expected default for unparsable value, got %d", got)
	}
}

func TestGetDurationFormats(t *testing.T) {
	cm := newTestConfigManager(t, map[string]string{
		"GO_STYLE": "150ms",
		"SECONDS":  "30",
		"GARBAGE":  "soon",
	})
	if got := cm.GetDuration("GO_STYLE", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	// bare integers are seconds
	if got := cm.GetDuration("SECONDS", time.Second); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := cm.GetDuration("GARBAGE", time.Second); got != time.Second {
		t.Fatalf("expected default, got %s", got)
	}
	if got := cm.GetDuration("MISSING", 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestGetBoolAndFloat(t *testing.T) {
	cm := newTestConfigManager(t, map[string]string{
		"ENABLED": "true",
		"RATE":    "0.95",
	})
	if !cm.GetBool("ENABLED", false) {
		t.Fatal("expected true")
	}
	if cm.GetBool("MISSING", false) {
		t.Fatal("expected default false")
	}
	if got := cm.GetFloat64("RATE", 0.5); got != 0.95 {
		t.Fatalf("expected 0.95, got %f", got)
	}
}

func TestGetStringSlice(t *testing.T) {
	cm := newTestConfigManager(t, map[string]string{
		"BROKERS": "kafka-1:9092, kafka-2:9092 ,kafka-3:9092",
		"BLANK":   " , ,",
	})
	got := cm.GetStringSlice("BROKERS", nil)
	if len(got) != 3 || got[0] != "kafka-1:9092" || got[2] != "kafka-3:9092" {
		t.Fatalf("unexpected slice: %v", got)
	}
	def := []string{"localhost:9092"}
	if got := cm.GetStringSlice("BLANK", def); len(got) != 1 || got[0] != def[0] {
		t.Fatalf("expected default for blank list, got %v", got)
	}
}

func TestConfigManagerRequiresSource(t *testing.T) {
	if _, err := NewConfigManager(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewConfigManager(&ConfigManagerConfig{}); err == nil {
		t.Fatal("expected error for nil source")
	}
}
