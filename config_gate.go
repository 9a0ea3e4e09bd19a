package accounts

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	KeyAllowRegistration   = "auth.allowregistration"
	KeyMaintenanceMode     = "system.maintenancemode"
	KeyMaintenanceIdentity = "maintenance.identity"
)

// ConfigSource is the backing store read by CachedGate.
type ConfigSource interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

type cachedValue struct {
	value     string
	found     bool
	expiresAt time.Time
}

// CachedGate is a read-through TTL cache over a ConfigSource.
type CachedGate struct {
	source ConfigSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedValue
}

type CachedGateOption func(*CachedGate)

func WithGateTTL(ttl time.Duration) CachedGateOption {
	return func(g *CachedGate) {
		if ttl >= 0 {
			g.ttl = ttl
		}
	}
}

func WithGateClock(now func() time.Time) CachedGateOption {
	return func(g *CachedGate) {
		if now != nil {
			g.now = now
		}
	}
}

func NewCachedGate(source ConfigSource, opts ...CachedGateOption) *CachedGate {
	g := &CachedGate{
		source:  source,
		ttl:     30 * time.Second,
		now:     time.Now,
		entries: map[string]cachedValue{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func (g *CachedGate) GetValue(ctx context.Context, key string) (string, bool, error) {
	key = strings.ToLower(strings.TrimSpace(key))

	g.mu.RLock()
	entry, ok := g.entries[key]
	g.mu.RUnlock()
	if ok && g.now().Before(entry.expiresAt) {
		return entry.value, entry.found, nil
	}

	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	value, found, err := g.source.Lookup(ctx, key)
	if err != nil {
		return "", false, err
	}

	g.mu.Lock()
	g.entries[key] = cachedValue{value: value, found: found, expiresAt: g.now().Add(g.ttl)}
	g.mu.Unlock()

	return value, found, nil
}

// Invalidate drops a cached key, or every key when none is given.
func (g *CachedGate) Invalidate(keys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(keys) == 0 {
		g.entries = map[string]cachedValue{}
		return
	}
	for _, k := range keys {
		delete(g.entries, strings.ToLower(strings.TrimSpace(k)))
	}
}

// Set writes through to the store and drops the cached entry.
func (g *CachedGate) Set(ctx context.Context, key, value string) error {
	w, ok := g.source.(interface {
		SetValue(ctx context.Context, key, value string) error
	})
	if !ok {
		return ErrConfigReadOnly
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if err := w.SetValue(ctx, key, value); err != nil {
		return err
	}
	g.Invalidate(key)
	return nil
}

// StaticConfigSource is an in-memory ConfigSource.
type StaticConfigSource struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticConfigSource(values map[string]string) *StaticConfigSource {
	s := &StaticConfigSource{values: map[string]string{}}
	for k, v := range values {
		s.values[strings.ToLower(k)] = v
	}
	return s
}

func (s *StaticConfigSource) Lookup(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[strings.ToLower(key)]
	return v, ok, nil
}

func (s *StaticConfigSource) SetValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[strings.ToLower(key)] = value
	return nil
}

// Flag reads a boolean flag. Values are "true"/"false", case-insensitive and
// optionally quoted. Missing or unparsable values yield def.
func Flag(ctx context.Context, gate ConfigurationGate, key string, def bool) (bool, error) {
	if gate == nil {
		return def, nil
	}
	raw, found, err := gate.GetValue(ctx, key)
	if err != nil {
		return def, err
	}
	if !found {
		return def, nil
	}
	v, ok := ParseFlag(raw)
	if !ok {
		return def, nil
	}
	return v, nil
}

func ParseFlag(raw string) (bool, bool) {
	v := strings.TrimSpace(raw)
	v = strings.Trim(v, `"'`)
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// MaintenanceActive reports whether any maintenance flag relevant to login is on.
func MaintenanceActive(ctx context.Context, gate ConfigurationGate) (bool, error) {
	for _, key := range []string{KeyMaintenanceMode, KeyMaintenanceIdentity} {
		on, err := Flag(ctx, gate, key, false)
		if err != nil {
			return false, err
		}
		if on {
			return true, nil
		}
	}
	return false, nil
}
