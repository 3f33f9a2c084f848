// Package progress tracks observational progress counters.
package progress

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tigscm/internal/logging"
)

// Registry holds the live bars so a renderer can poll them.
type Registry struct {
	mu     sync.Mutex
	bars   map[*Bar]struct{}
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{bars: make(map[*Bar]struct{}), logger: logging.OrNop(logger)}
}

// Register adds a bar. A total of 0 means unknown.
func (r *Registry) Register(label string, total int64, unit string) *Bar {
	b := &Bar{label: label, unit: unit, registry: r}
	b.total.Store(total)
	if r != nil {
		r.mu.Lock()
		r.bars[b] = struct{}{}
		r.mu.Unlock()
	}
	return b
}

// Snapshot is a point-in-time view of one bar.
type Snapshot struct {
	Label    string
	Unit     string
	Position int64
	Total    int64
}

// Snapshots returns every open bar, sorted by label.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.bars))
	for b := range r.bars {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Bar is safe for concurrent use. A nil *Bar ignores every call.
type Bar struct {
	label    string
	unit     string
	total    atomic.Int64
	pos      atomic.Int64
	registry *Registry
}

func (b *Bar) SetPosition(n int64) {
	if b != nil {
		b.pos.Store(n)
	}
}

func (b *Bar) IncreasePosition(n int64) {
	if b != nil {
		b.pos.Add(n)
	}
}

func (b *Bar) SetTotal(n int64) {
	if b != nil {
		b.total.Store(n)
	}
}

func (b *Bar) Position() int64 {
	if b == nil {
		return 0
	}
	return b.pos.Load()
}

func (b *Bar) Snapshot() Snapshot {
	return Snapshot{Label: b.label, Unit: b.unit, Position: b.pos.Load(), Total: b.total.Load()}
}

// Close removes the bar from its registry.
func (b *Bar) Close() {
	if b == nil || b.registry == nil {
		return
	}
	r := b.registry
	r.mu.Lock()
	delete(r.bars, b)
	r.mu.Unlock()
	r.logger.Debug("progress finished",
		zap.String("label", b.label),
		zap.Int64("position", b.pos.Load()),
		zap.Int64("total", b.total.Load()),
		zap.String("unit", b.unit))
}
