// Package estimate chooses the start pose handed to the mapping engine for
// each scan.
package estimate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/tf"
)

var logf = monitoring.Tagged("PoseEstimate")

// Source identifies where a start estimate came from.
type Source int

const (
	SourceLastScanMatch Source = iota
	SourceTransformTree
	SourceForced
)

func (s Source) String() string {
	switch s {
	case SourceForced:
		return "forced"
	case SourceTransformTree:
		return "transform_tree"
	default:
		return "last_scan_match"
	}
}

// MarshalText encodes the source by name.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a source name.
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "forced":
		*s = SourceForced
	case "transform_tree":
		*s = SourceTransformTree
	case "last_scan_match":
		*s = SourceLastScanMatch
	default:
		return fmt.Errorf("unknown pose source %q", b)
	}
	return nil
}

// ForcedPose holds at most one pending externally supplied pose.
type ForcedPose struct {
	mu      sync.Mutex
	pose    geom.Pose2D
	pending bool
}

// Set stores p, replacing any pose not yet taken.
func (f *ForcedPose) Set(p geom.Pose2D) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pose = p
	f.pending = true
}

// Take returns the pending pose and clears it.
func (f *ForcedPose) Take() (geom.Pose2D, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pending {
		return geom.Pose2D{}, false
	}
	f.pending = false
	return f.pose, true
}

// Selection is the chosen start estimate.
type Selection struct {
	Pose   geom.Pose2D
	Source Source
	// Forced is set when the pose must be adopted without matching.
	Forced bool
}

// Config enables the transform-tree source.
type Config struct {
	UseTransformTree bool
	MapFrame         string
	BaseFrame        string
	Timeout          time.Duration
}

// Selector picks a forced pose first, then the transform tree if enabled,
// then the previous scan-match pose.
type Selector struct {
	cfg    Config
	lookup tf.Lookup
	forced *ForcedPose
}

// NewSelector creates a Selector that consumes poses from forced.
func NewSelector(cfg Config, lookup tf.Lookup, forced *ForcedPose) *Selector {
	return &Selector{cfg: cfg, lookup: lookup, forced: forced}
}

// Select returns the start estimate for the next update.
func (s *Selector) Select(ctx context.Context, lastScanMatch geom.Pose2D) Selection {
	if p, ok := s.forced.Take(); ok {
		return Selection{Pose: p, Source: SourceForced, Forced: true}
	}

	if s.cfg.UseTransformTree && s.lookup != nil {
		st, err := tf.WaitForTransform(ctx, s.lookup, s.cfg.MapFrame, s.cfg.BaseFrame, time.Time{}, s.cfg.Timeout)
		if err == nil {
			t := st.Transform
			return Selection{Pose: geom.NewPose2D(t[3], t[7], t.Yaw()), Source: SourceTransformTree}
		}
		logf("no start estimate from %s: %v", s.cfg.MapFrame, err)
	}

	return Selection{Pose: lastScanMatch, Source: SourceLastScanMatch}
}
