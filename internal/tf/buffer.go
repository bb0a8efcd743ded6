package tf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/scanloc/internal/geom"
)

type edge struct {
	parent    string
	transform geom.Transform
	stamp     time.Time
	static    bool
}

// Buffer is an in-process frame tree. It keeps the most recent transform per
// child frame. Lookups at a non-zero time succeed once every non-static edge
// on the path is stamped at or after that time.
type Buffer struct {
	mu      sync.Mutex
	edges   map[string]edge
	changed chan struct{}
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		edges:   make(map[string]edge),
		changed: make(chan struct{}),
	}
}

// SetTransform records st. Static transforms survive Clear.
func (b *Buffer) SetTransform(st Stamped, static bool) {
	b.mu.Lock()
	b.edges[st.Child] = edge{
		parent:    st.Parent,
		transform: st.Transform,
		stamp:     st.Stamp,
		static:    static,
	}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

// SendTransform implements Broadcaster by recording a dynamic transform.
func (b *Buffer) SendTransform(st Stamped) {
	b.SetTransform(st, false)
}

// Clear drops every dynamic transform.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for child, e := range b.edges {
		if !e.static {
			delete(b.edges, child)
		}
	}
}

// CanTransform implements Lookup.
func (b *Buffer) CanTransform(ctx context.Context, target, source string, at time.Time, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		b.mu.Lock()
		_, err := b.resolve(target, source, at)
		changed := b.changed
		b.mu.Unlock()
		if err == nil {
			return true
		}
		if timeout <= 0 {
			return false
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// LookupTransform implements Lookup.
func (b *Buffer) LookupTransform(target, source string, at time.Time) (Stamped, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve(target, source, at)
}

// chain walks from frame towards the root, returning for every ancestor the
// transform mapping frame into it. Caller holds b.mu.
func (b *Buffer) chain(frame string, at time.Time) (map[string]geom.Transform, []string, time.Time, error) {
	toAncestor := map[string]geom.Transform{frame: geom.Identity()}
	order := []string{frame}
	acc := geom.Identity()
	var oldest time.Time
	for f := frame; ; {
		e, ok := b.edges[f]
		if !ok {
			break
		}
		if !e.static {
			if !at.IsZero() && e.stamp.Before(at) {
				return nil, nil, time.Time{}, fmt.Errorf("%s to %s is older than %v: %w", f, e.parent, at, ErrTransformUnavailable)
			}
			if oldest.IsZero() || e.stamp.Before(oldest) {
				oldest = e.stamp
			}
		}
		if _, seen := toAncestor[e.parent]; seen {
			return nil, nil, time.Time{}, fmt.Errorf("frame loop at %s: %w", e.parent, ErrTransformUnavailable)
		}
		acc = e.transform.Mul(acc)
		toAncestor[e.parent] = acc
		order = append(order, e.parent)
		f = e.parent
	}
	return toAncestor, order, oldest, nil
}

func (b *Buffer) resolve(target, source string, at time.Time) (Stamped, error) {
	srcUp, _, srcStamp, err := b.chain(source, at)
	if err != nil {
		return Stamped{}, err
	}
	tgtUp, tgtOrder, tgtStamp, err := b.chain(target, at)
	if err != nil {
		return Stamped{}, err
	}
	for _, ancestor := range tgtOrder {
		srcToA, ok := srcUp[ancestor]
		if !ok {
			continue
		}
		tgtToA := tgtUp[ancestor]
		stamp := srcStamp
		if stamp.IsZero() || (!tgtStamp.IsZero() && tgtStamp.Before(stamp)) {
			stamp = tgtStamp
		}
		return Stamped{
			Stamp:     stamp,
			Parent:    target,
			Child:     source,
			Transform: tgtToA.Inverse().Mul(srcToA),
		}, nil
	}
	return Stamped{}, fmt.Errorf("%s and %s are not connected: %w", source, target, ErrTransformUnavailable)
}
