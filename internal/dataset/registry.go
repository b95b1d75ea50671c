// Package dataset holds per-dataset configuration and the pluggable
// collaborators (data handler, hash provider, interceptor) the sync engine
// calls, plus the DatasetClient entity and its scheduling predicates.
package dataset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tonimelisma/syncd/pkg/recordhash"
)

// ErrInvalidDatasetID is returned for an empty dataset id.
var ErrInvalidDatasetID = errors.New("dataset: invalid dataset id")

// Default per-dataset timings.
const (
	DefaultSyncFrequency       = 10 * time.Second
	DefaultClientSyncTimeout   = 15 * time.Second
	DefaultBackendListTimeout  = 5 * time.Minute
	DefaultMaxScheduleWaitTime = 30 * time.Second
)

// Config is the per-dataset timing configuration.
type Config struct {
	// SyncFrequency is how often a client's backend snapshot is refreshed.
	SyncFrequency time.Duration `json:"syncFrequency"`
	// ClientSyncTimeout is how long a client may go without polling before
	// its sync loop is deactivated.
	ClientSyncTimeout time.Duration `json:"clientSyncTimeout"`
	// BackendListTimeout bounds one DataHandler.List call.
	BackendListTimeout time.Duration `json:"backendListTimeout"`
	// MaxScheduleWaitTime is the minimum time a scheduled sync is given to
	// complete before the scheduler enqueues the client again.
	MaxScheduleWaitTime time.Duration `json:"maxScheduleWaitTime"`
}

// DefaultConfig returns the built-in dataset timings.
func DefaultConfig() Config {
	return Config{
		SyncFrequency:       DefaultSyncFrequency,
		ClientSyncTimeout:   DefaultClientSyncTimeout,
		BackendListTimeout:  DefaultBackendListTimeout,
		MaxScheduleWaitTime: DefaultMaxScheduleWaitTime,
	}
}

// Merge returns c with every zero field taken from base.
func (c Config) Merge(base Config) Config {
	if c.SyncFrequency <= 0 {
		c.SyncFrequency = base.SyncFrequency
	}

	if c.ClientSyncTimeout <= 0 {
		c.ClientSyncTimeout = base.ClientSyncTimeout
	}

	if c.BackendListTimeout <= 0 {
		c.BackendListTimeout = base.BackendListTimeout
	}

	if c.MaxScheduleWaitTime <= 0 {
		c.MaxScheduleWaitTime = base.MaxScheduleWaitTime
	}

	return c
}

// ScheduleWindow is how long after syncScheduled the scheduler waits before
// assuming the scheduled sync was lost.
func (c Config) ScheduleWindow() time.Duration {
	return max(c.MaxScheduleWaitTime, c.SyncFrequency+c.BackendListTimeout)
}

// ValidateID rejects empty dataset ids.
func ValidateID(id string) error {
	if id == "" {
		return ErrInvalidDatasetID
	}

	return nil
}

// Registry is the process-wide set of known datasets and their
// collaborators. A dataset is created with default config on first
// reference. Create one at startup and pass it to every component.
type Registry struct {
	mu sync.RWMutex

	defaults      Config
	fallback      DataHandler
	globalHandler DataHandler

	configs      map[string]Config
	handlers     map[string]DataHandler
	hashers      map[string]HashProvider
	interceptors map[string]Interceptor
}

// NewRegistry returns a registry whose datasets start from defaults and
// whose data handler falls back to fallback.
func NewRegistry(defaults Config, fallback DataHandler) *Registry {
	r := &Registry{
		defaults: defaults.Merge(DefaultConfig()),
		fallback: fallback,
	}
	r.reset()

	return r
}

func (r *Registry) reset() {
	r.globalHandler = nil
	r.configs = make(map[string]Config)
	r.handlers = make(map[string]DataHandler)
	r.hashers = make(map[string]HashProvider)
	r.interceptors = make(map[string]Interceptor)
}

// Reset forgets every dataset and override. Test harnesses only.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.reset()
	r.mu.Unlock()
}

// Defaults returns the config new datasets start from.
func (r *Registry) Defaults() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defaults
}

// SetDefaults replaces the defaults. Datasets already configured keep
// their values; lazily defaulted ones pick up the new defaults.
func (r *Registry) SetDefaults(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = cfg.Merge(DefaultConfig())
}

// Config returns the config for id, registering id with defaults if it has
// not been seen before.
func (r *Registry) Config(id string) Config {
	r.mu.RLock()
	cfg, ok := r.configs[id]
	r.mu.RUnlock()

	if ok {
		return cfg.Merge(r.Defaults())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg, ok = r.configs[id]; !ok {
		r.configs[id] = Config{}
	}

	return cfg.Merge(r.defaults)
}

// Configure sets explicit config for id. Zero fields fall back to defaults.
func (r *Registry) Configure(id string, cfg Config) error {
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("dataset: configure: %w", err)
	}

	r.mu.Lock()
	r.configs[id] = cfg
	r.mu.Unlock()

	return nil
}

// Datasets returns the ids seen so far, sorted.
func (r *Registry) Datasets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// MaxBackendListTimeout returns the longest BackendListTimeout among the
// defaults and every dataset seen so far.
func (r *Registry) MaxBackendListTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	longest := r.defaults.BackendListTimeout
	for _, cfg := range r.configs {
		longest = max(longest, cfg.Merge(r.defaults).BackendListTimeout)
	}

	return longest
}

// SetHandler overrides the data handler for one dataset.
func (r *Registry) SetHandler(id string, h DataHandler) {
	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()
}

// SetGlobalHandler overrides the data handler for every dataset without a
// per-dataset override.
func (r *Registry) SetGlobalHandler(h DataHandler) {
	r.mu.Lock()
	r.globalHandler = h
	r.mu.Unlock()
}

// Handler resolves the data handler for id: per-dataset override, then
// global override, then the fallback.
func (r *Registry) Handler(id string) DataHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[id]; ok && h != nil {
		return h
	}

	if r.globalHandler != nil {
		return r.globalHandler
	}

	return r.fallback
}

// SetHashProvider overrides hashing for one dataset.
func (r *Registry) SetHashProvider(id string, p HashProvider) {
	r.mu.Lock()
	r.hashers[id] = p
	r.mu.Unlock()
}

// HashProvider returns the hash provider for id.
func (r *Registry) HashProvider(id string) HashProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.hashers[id]; ok && p != nil {
		return p
	}

	return recordhash.Default{}
}

// SetInterceptor overrides request/response interception for one dataset.
func (r *Registry) SetInterceptor(id string, i Interceptor) {
	r.mu.Lock()
	r.interceptors[id] = i
	r.mu.Unlock()
}

// Interceptor returns the interceptor for id; a pass-through when unset.
func (r *Registry) Interceptor(id string) Interceptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i, ok := r.interceptors[id]; ok && i != nil {
		return i
	}

	return NopInterceptor{}
}
