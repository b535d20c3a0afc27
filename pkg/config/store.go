package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store is read access to the hierarchical configuration tree.
//
// Paths use "/" as separator and may start with "/". Lookups are
// case-insensitive: the underlying store folds keys to lower case.
// Every getter returns def when the path is unset or cannot be converted.
type Store interface {
	GetString(path, def string) string
	GetStringSlice(path string, def []string) []string
	GetInt(path string, def int) int
	GetBool(path string, def bool) bool
	GetDuration(path string, def time.Duration) time.Duration
	IsSet(path string) bool

	// Children lists the immediate sub-keys of a section, sorted.
	Children(path string) []string

	// Section returns the raw subtree at path, or nil.
	Section(path string) map[string]any
}

type viperStore struct {
	v *viper.Viper
}

// NewMapStore builds a Store from an in-memory tree. Nested maps form
// sections, exactly as they would when read from a YAML file.
func NewMapStore(tree map[string]any) Store {
	v := newViper()
	if tree != nil {
		_ = v.MergeConfigMap(tree)
	}
	return &viperStore{v: v}
}

func normalize(path string) string {
	return strings.ToLower(strings.Trim(path, KeyDelimiter))
}

func (s *viperStore) get(path string) (any, bool) {
	key := normalize(path)
	if !s.v.IsSet(key) {
		return nil, false
	}
	return s.v.Get(key), true
}

func (s *viperStore) IsSet(path string) bool {
	return s.v.IsSet(normalize(path))
}

func (s *viperStore) GetString(path, def string) string {
	raw, ok := s.get(path)
	if !ok || raw == nil {
		return def
	}
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any, []any:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// GetStringSlice accepts either a YAML list or a comma separated string.
func (s *viperStore) GetStringSlice(path string, def []string) []string {
	raw, ok := s.get(path)
	if !ok || raw == nil {
		return def
	}
	return toStringSlice(raw, def)
}

func toStringSlice(raw any, def []string) []string {
	switch v := raw.(type) {
	case string:
		return splitList(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, strings.TrimSpace(fmt.Sprint(item)))
		}
		return out
	default:
		return def
	}
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *viperStore) GetInt(path string, def int) int {
	raw, ok := s.get(path)
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func (s *viperStore) GetBool(path string, def bool) bool {
	raw, ok := s.get(path)
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1", "on":
			return true
		case "false", "no", "n", "0", "off":
			return false
		}
	case int:
		return v != 0
	}
	return def
}

// GetDuration accepts Go duration strings ("90s") or plain numbers,
// which are seconds.
func (s *viperStore) GetDuration(path string, def time.Duration) time.Duration {
	raw, ok := s.get(path)
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		v = strings.TrimSpace(v)
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	}
	return def
}

func (s *viperStore) Children(path string) []string {
	section := s.Section(path)
	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *viperStore) Section(path string) map[string]any {
	key := normalize(path)
	var raw any
	if key == "" {
		raw = s.v.AllSettings()
	} else {
		raw = s.v.Get(key)
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return section
}
