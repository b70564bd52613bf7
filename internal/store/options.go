package store

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Option keys understood by the controller and the engine. Any other key is
// passed through to the engine untouched.
const (
	OptionTimeout      = "timeout"
	OptionAutoMigrate  = "autoMigrate"
	OptionInferMapping = "inferMapping"
	OptionJournalMode  = "journalMode"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultJournalMode = "WAL"
)

// Options are the attach options of a store.
type Options map[string]any

// DefaultOptions returns a fresh copy of the default attach options.
func DefaultOptions() Options {
	return Options{
		OptionTimeout:      DefaultTimeout,
		OptionAutoMigrate:  true,
		OptionInferMapping: true,
	}
}

// MergeOptions overlays overrides on the defaults. Keys not mentioned in
// overrides keep their default value. A nil value removes the override and
// keeps the default.
func MergeOptions(overrides Options) Options {
	opts := DefaultOptions()
	for k, v := range overrides {
		if v == nil {
			continue
		}
		opts[k] = v
	}
	return opts
}

// Clone returns a shallow copy of o.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	return maps.Clone(o)
}

// Timeout returns the engine timeout. Numbers, and strings holding a
// number, are read as seconds.
func (o Options) Timeout() time.Duration {
	d, err := toDuration(o[OptionTimeout])
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// AutoMigrate reports whether outdated stores are migrated on attach.
func (o Options) AutoMigrate() bool {
	return o.boolOr(OptionAutoMigrate, true)
}

// InferMapping reports whether the engine may infer the migration mapping.
func (o Options) InferMapping() bool {
	return o.boolOr(OptionInferMapping, true)
}

// JournalMode returns the SQLite journal mode requested for file stores.
func (o Options) JournalMode() string {
	if s, ok := o[OptionJournalMode].(string); ok && s != "" {
		return s
	}
	return DefaultJournalMode
}

func (o Options) boolOr(key string, def bool) bool {
	if b, ok := o[key].(bool); ok {
		return b
	}
	return def
}

func toDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case float32:
		return time.Duration(float64(t) * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case string:
		if secs, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(t)
	case nil:
		return 0, fmt.Errorf("no timeout")
	default:
		return 0, fmt.Errorf("unsupported timeout type %T", v)
	}
}
