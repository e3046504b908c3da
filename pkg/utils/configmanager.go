package utils

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConfigSource abstracts where configuration values come from. The default
// source is the process environment; tests inject an in-memory map.
type ConfigSource interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	List() map[string]string
}

// EnvSource reads configuration from environment variables
type EnvSource struct{}

func (EnvSource) Get(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok
}

func (EnvSource) Set(key, value string) error { return os.Setenv(key, value) }

func (EnvSource) Delete(key string) error { return os.Unsetenv(key) }

func (EnvSource) List() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// MapSource is an in-memory config source, primarily for tests
type MapSource struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapSource creates a MapSource seeded with the given values
func NewMapSource(values map[string]string) *MapSource {
	if values == nil {
		values = make(map[string]string)
	}
	return &MapSource{values: values}
}

func (m *MapSource) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MapSource) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MapSource) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MapSource) List() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// ConfigManagerConfig configures a ConfigManager
type ConfigManagerConfig struct {
	Source ConfigSource
}

// ConfigManager provides typed access to configuration with defaults and
// range clamping. All getters are safe for concurrent use.
type ConfigManager struct {
	source ConfigSource
}

// NewConfigManager creates a config manager backed by the given source
func NewConfigManager(cfg *ConfigManagerConfig) (*ConfigManager, error) {
	if cfg == nil || cfg.Source == nil {
		return nil, errors.New("config: source is required")
	}
	return &ConfigManager{source: cfg.Source}, nil
}

// NewEnvConfigManager creates a config manager backed by the environment
func NewEnvConfigManager() *ConfigManager {
	return &ConfigManager{source: EnvSource{}}
}

// GetString returns the value for key or the default
func (c *ConfigManager) GetString(key, def string) string {
	if v, ok := c.source.Get(key); ok && v != "" {
		return v
	}
	return def
}

// GetInt returns the integer value for key or the default
func (c *ConfigManager) GetInt(key string, def int) int {
	if v, ok := c.source.Get(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetIntRange returns the integer value for key clamped to [min, max]
func (c *ConfigManager) GetIntRange(key string, def, min, max int) int {
	n := c.GetInt(key, def)
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// GetFloat64 returns the float value for key or the default
func (c *ConfigManager) GetFloat64(key string, def float64) float64 {
	if v, ok := c.source.Get(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns the boolean value for key or the default
func (c *ConfigManager) GetBool(key string, def bool) bool {
	if v, ok := c.source.Get(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// GetDuration returns the duration value for key or the default. Values are
// parsed with time.ParseDuration; bare integers are treated as seconds.
func (c *ConfigManager) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := c.source.Get(key)
	if !ok || v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// GetStringSlice returns a comma-separated list value for key
func (c *ConfigManager) GetStringSlice(key string, def []string) []string {
	v, ok := c.source.Get(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
