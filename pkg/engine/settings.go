package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/carepath/conduit/pkg/types"
)

// settings is a case-insensitive view over an ItemConfig's AdapterSettings.
// Snapshot files arrive from JSON (numbers decode as float64) and YAML
// (numbers decode as int), so every numeric accessor tolerates both, plus
// strings, matching how operators actually write config by hand.
type settings map[string]interface{}

func newSettings(m map[string]interface{}) settings {
	s := make(settings, len(m))
	for k, v := range m {
		s[strings.ToLower(k)] = v
	}
	return s
}

func (s settings) str(key, def string) string {
	v, ok := s[strings.ToLower(key)]
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return def
	}
	return str
}

func (s settings) integer(key string, def int) int {
	v, ok := s[strings.ToLower(key)]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// seconds reads a numeric setting expressed in seconds (the unit spec.md §6
// uses throughout) into a time.Duration.
func (s settings) seconds(key string, def time.Duration) time.Duration {
	v := s.integer(key, -1)
	if v < 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// strList reads a comma-separated setting ("TargetConfigNames") into a
// trimmed slice.
func (s settings) strList(key string) []string {
	raw := s.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// withHostDefaults fills every zero-valued HostSettings field with the
// documented default, so snapshot authors only write what they change.
func withHostDefaults(hs types.HostSettings) types.HostSettings {
	def := types.DefaultHostSettings()
	if hs.PoolSize <= 0 {
		hs.PoolSize = def.PoolSize
	}
	if hs.QueueType == "" {
		hs.QueueType = def.QueueType
	}
	if hs.QueueSize <= 0 {
		hs.QueueSize = def.QueueSize
	}
	if hs.OverflowPolicy == "" {
		hs.OverflowPolicy = def.OverflowPolicy
	}
	if hs.RestartPolicy == "" {
		hs.RestartPolicy = def.RestartPolicy
	}
	if hs.MaxRestarts == 0 {
		hs.MaxRestarts = def.MaxRestarts
	}
	if hs.RestartDelay <= 0 {
		hs.RestartDelay = def.RestartDelay
	}
	if hs.MessagingPattern == "" {
		hs.MessagingPattern = def.MessagingPattern
	}
	if hs.GracefulShutdownTimeout <= 0 {
		hs.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	return hs
}
