package agent

import (
	"reflect"
	"strings"
	"sync"
	"time"
)

// Timeouts holds tuned default timeouts per command type. Command types are
// keyed by their Go type name, case-insensitively, so configuration files can
// name them ("MigrateVMCmd" or "migratevmcmd").
type Timeouts struct {
	mu     sync.RWMutex
	byType map[string]time.Duration
}

// NewTimeouts builds a table from millisecond values keyed by command type name.
func NewTimeouts(millis map[string]int64) *Timeouts {
	t := &Timeouts{byType: make(map[string]time.Duration)}
	for name, ms := range millis {
		t.byType[strings.ToLower(name)] = time.Duration(ms) * time.Millisecond
	}
	return t
}

// Set registers d as the default timeout of cmd's type.
func (t *Timeouts) Set(cmd any, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType[strings.ToLower(CommandType(cmd))] = d
}

// Resolve picks the timeout of one call: the explicit value when set, else the
// command type's default, else fallback.
func (t *Timeouts) Resolve(cmd any, explicit, fallback time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if t != nil && cmd != nil {
		t.mu.RLock()
		d, ok := t.byType[strings.ToLower(CommandType(cmd))]
		t.mu.RUnlock()
		if ok && d > 0 {
			return d
		}
	}
	return fallback
}

// CommandType names cmd's type, dereferencing pointers.
func CommandType(cmd any) string {
	if cmd == nil {
		return ""
	}
	rt := reflect.TypeOf(cmd)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return rt.Name()
}
