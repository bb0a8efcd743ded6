// Package tf resolves rigid transforms between named coordinate frames.
//
// Transforms follow the convention that a Stamped with Parent "map" and
// Child "odom" maps points expressed in odom into map, which is also the
// pose of the odom frame in map.
package tf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/scanloc/internal/geom"
)

// ErrTransformUnavailable is returned when a transform cannot be resolved
// within the allowed wait.
var ErrTransformUnavailable = errors.New("transform unavailable")

// Stamped is a transform between two frames at an instant.
type Stamped struct {
	Stamp     time.Time      `json:"stamp"`
	Parent    string         `json:"parent"`
	Child     string         `json:"child"`
	Transform geom.Transform `json:"transform"`
}

// Lookup resolves transforms. A zero time means the latest available.
type Lookup interface {
	// CanTransform waits up to timeout for target<-source to become
	// resolvable at the given time.
	CanTransform(ctx context.Context, target, source string, at time.Time, timeout time.Duration) bool
	// LookupTransform returns the transform mapping source points into
	// target.
	LookupTransform(target, source string, at time.Time) (Stamped, error)
}

// Broadcaster publishes transforms for other consumers of the frame tree.
type Broadcaster interface {
	SendTransform(st Stamped)
}

// WaitForTransform waits for and returns target<-source. Failure to resolve
// within timeout wraps ErrTransformUnavailable.
func WaitForTransform(ctx context.Context, l Lookup, target, source string, at time.Time, timeout time.Duration) (Stamped, error) {
	if !l.CanTransform(ctx, target, source, at, timeout) {
		return Stamped{}, fmt.Errorf("%s to %s after %v: %w", source, target, timeout, ErrTransformUnavailable)
	}
	return l.LookupTransform(target, source, at)
}

// WaitForRigidTransform is WaitForTransform for mounts that must be rigid.
// A resolved transform that scales, shears or reflects wraps
// ErrTransformUnavailable.
func WaitForRigidTransform(ctx context.Context, l Lookup, target, source string, at time.Time, timeout time.Duration) (Stamped, error) {
	st, err := WaitForTransform(ctx, l, target, source, at, timeout)
	if err != nil {
		return Stamped{}, err
	}
	if !st.Transform.IsRigid() {
		return Stamped{}, fmt.Errorf("%s to %s is not rigid: %w", source, target, ErrTransformUnavailable)
	}
	return st, nil
}
