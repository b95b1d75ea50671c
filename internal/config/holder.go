package config

import "sync/atomic"

// Holder publishes the running configuration to every goroutine of a serve
// process. Reloads swap the whole snapshot; readers never see a partial one.
type Holder struct {
	cur  atomic.Pointer[Resolved]
	gen  atomic.Uint64
	path string
}

// NewHolder returns a Holder serving cfg, loaded from path.
func NewHolder(cfg *Resolved, path string) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)

	return h
}

// Config returns the current snapshot. Callers must not modify it.
func (h *Holder) Config() *Resolved {
	return h.cur.Load()
}

// Path returns the file the configuration is reloaded from.
func (h *Holder) Path() string {
	return h.path
}

// Generation counts the snapshots published since NewHolder.
func (h *Holder) Generation() uint64 {
	return h.gen.Load()
}

// Update publishes cfg and returns the snapshot it replaced along with the
// new generation.
func (h *Holder) Update(cfg *Resolved) (*Resolved, uint64) {
	prev := h.cur.Swap(cfg)

	return prev, h.gen.Add(1)
}
