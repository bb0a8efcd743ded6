// Package tracking drives the mapping engine once per scan: it filters the
// scan, chooses a start estimate, updates the engine and emits the resulting
// pose and frame transforms. It also owns map loading and the one-shot
// relocalization that follows it.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/scanloc/internal/estimate"
	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/mappub"
	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/registration"
	"github.com/banshee-data/scanloc/internal/relocalize"
	"github.com/banshee-data/scanloc/internal/scanfilter"
	"github.com/banshee-data/scanloc/internal/slam"
	"github.com/banshee-data/scanloc/internal/tf"
	"github.com/banshee-data/scanloc/internal/timeutil"
)

var logf = monitoring.Tagged("Tracker")

// gridTolerance is the relative slack, in cells, allowed when matching a
// saved grid's geometry.
const gridTolerance = 1e-6

var (
	// ErrNoPoints is returned when filtering leaves nothing to integrate.
	ErrNoPoints = errors.New("no usable points in scan")
	// ErrMapMismatch is returned when a saved grid does not fit the engine.
	ErrMapMismatch = errors.New("saved map does not match engine grid")
)

// PoseUpdate is the tracked pose for one scan. Covariance is the row-major
// 3x3 (x, y, yaw) covariance.
type PoseUpdate struct {
	Header     geom.Header     `json:"header"`
	Pose       geom.Pose2D     `json:"pose"`
	Covariance [9]float64      `json:"covariance"`
	Source     estimate.Source `json:"source"`
}

// PoseSink receives tracked poses.
type PoseSink interface {
	PublishPose(u PoseUpdate)
}

// Odometry is the tracked pose as an odometry message: the pose of
// ChildFrameID in Header.FrameID with its covariance.
type Odometry struct {
	Header       geom.Header `json:"header"`
	ChildFrameID string      `json:"child_frame_id"`
	Pose         geom.Pose2D `json:"pose"`
	Covariance   [9]float64  `json:"covariance"`
}

// OdometrySink receives odometry messages.
type OdometrySink interface {
	PublishOdometry(o Odometry)
}

// DiagnosticSink receives relocalization diagnostics.
type DiagnosticSink interface {
	PublishCorrection(d relocalize.Diagnostic)
}

// MapPublisher publishes a map level on demand.
type MapPublisher interface {
	PublishIfChanged(level int, stamp time.Time) (mappub.OccupancyGrid, bool, error)
}

// Config holds the frame names and behaviour switches.
type Config struct {
	BaseFrame      string
	MapFrame       string
	OdomFrame      string
	ScanMatchFrame string

	UseTFScanTransformation bool
	UseTFPoseStartEstimate  bool
	MapWithKnownPoses       bool
	PubMapOdomTransform     bool
	PubMapScanMatchFrame    bool
	PubOdometry             bool

	TransformTimeout time.Duration
	CloudLimits      scanfilter.CloudLimits
	RangeCutoff      float64
	OutputTiming     bool

	Relocalization relocalize.Config
}

// DefaultConfig returns the standard frame names and switches.
func DefaultConfig() Config {
	return Config{
		BaseFrame:               "base_link",
		MapFrame:                "map",
		OdomFrame:               "odom",
		ScanMatchFrame:          "scanmatcher_frame",
		UseTFScanTransformation: true,
		PubMapOdomTransform:     true,
		PubMapScanMatchFrame:    true,
		TransformTimeout:        500 * time.Millisecond,
		CloudLimits:             scanfilter.LimitsFromRanges(0.4, 30, -1, 1),
		RangeCutoff:             scanfilter.DefaultRangeCutoff,
		Relocalization:          relocalize.DefaultConfig(),
	}
}

// Deps are the collaborators of a Tracker. Broadcaster, Registrar, Poses,
// Odometry, Diagnostics and Maps may be nil.
type Deps struct {
	Engine      slam.Engine
	Lookup      tf.Lookup
	Broadcaster tf.Broadcaster
	Registrar   registration.Registrar
	Poses       PoseSink
	Odometry    OdometrySink
	Diagnostics DiagnosticSink
	Maps        MapPublisher
	Clock       timeutil.Clock
}

// Outcome summarises one HandleScan call.
type Outcome struct {
	Selection    estimate.Selection
	HardOverride bool
	Points       int
	Relocalized  bool
	Pose         geom.Pose2D
	Elapsed      time.Duration
}

type pendingRelocalization struct {
	saved relocalize.SavedMapPoints
	guess geom.Pose3
}

// Tracker runs the per-scan cycle. HandleScan must be called from a single
// goroutine; SetInitialPose, LoadMap and Reset may be called from any.
type Tracker struct {
	cfg      Config
	deps     Deps
	selector *estimate.Selector
	reloc    *relocalize.Engine

	forced estimate.ForcedPose

	mu      sync.Mutex
	pending *pendingRelocalization

	points    scanfilter.LocalPointSet
	mapToOdom geom.Transform
}

// NewTracker wires a Tracker.
func NewTracker(cfg Config, deps Deps) *Tracker {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Registrar == nil {
		deps.Registrar = registration.NewICP()
	}
	rc := cfg.Relocalization
	if rc.BaseFrame == "" {
		rc.BaseFrame = cfg.BaseFrame
	}
	if rc.TransformTimeout == 0 {
		rc.TransformTimeout = cfg.TransformTimeout
	}

	t := &Tracker{
		cfg:       cfg,
		deps:      deps,
		reloc:     relocalize.NewEngine(rc, deps.Lookup, deps.Registrar),
		mapToOdom: geom.Identity(),
	}
	t.selector = estimate.NewSelector(estimate.Config{
		UseTransformTree: cfg.UseTFPoseStartEstimate,
		MapFrame:         cfg.MapFrame,
		BaseFrame:        cfg.BaseFrame,
		Timeout:          cfg.TransformTimeout,
	}, deps.Lookup, &t.forced)
	return t
}

// SetInitialPose forces the next update to start from pose.
func (t *Tracker) SetInitialPose(pose geom.Pose3) {
	p := pose.Pose2D()
	t.forced.Set(p)
	logf("setting initial pose with world coords x=%.3f y=%.3f yaw=%.3f", p.X, p.Y, p.Yaw)
}

// Reset clears the engine's map and pose.
func (t *Tracker) Reset() {
	logf("reset requested")
	t.deps.Engine.Reset()
}

// LoadMap primes the engine with a saved grid and arms a relocalization
// against it on the next scan, starting from guess.
func (t *Tracker) LoadMap(grid *mappub.OccupancyGrid, guess geom.Pose3) error {
	g := t.deps.Engine.GridMap(0)
	if g == nil {
		return fmt.Errorf("engine has no level 0: %w", ErrMapMismatch)
	}
	if grid.Info.Width != g.SizeX() || grid.Info.Height != g.SizeY() || len(grid.Data) != g.SizeX()*g.SizeY() {
		return fmt.Errorf("saved %dx%d, engine %dx%d: %w",
			grid.Info.Width, grid.Info.Height, g.SizeX(), g.SizeY(), ErrMapMismatch)
	}
	res := g.CellLength()
	if math.Abs(grid.Info.Resolution-res) > gridTolerance*res {
		return fmt.Errorf("saved resolution %g, engine %g: %w", grid.Info.Resolution, res, ErrMapMismatch)
	}
	// Info.Origin is the outer corner of cell 0, half a cell from its centre.
	o := g.WorldOrigin()
	corner := geom.Point2{X: o.X - res/2, Y: o.Y - res/2}
	origin := grid.Info.Origin.Position
	if math.Abs(origin.X-corner.X) > gridTolerance*res || math.Abs(origin.Y-corner.Y) > gridTolerance*res {
		return fmt.Errorf("saved origin (%g, %g), engine (%g, %g): %w",
			origin.X, origin.Y, corner.X, corner.Y, ErrMapMismatch)
	}

	if seeder, ok := t.deps.Engine.(slam.MapSeeder); ok {
		var free, occupied []int
		for i, v := range grid.Data {
			switch v {
			case mappub.CellFree:
				free = append(free, i)
			case mappub.CellOccupied:
				occupied = append(occupied, i)
			}
		}
		if err := seeder.SeedLevel(0, free, occupied); err != nil {
			return fmt.Errorf("seed map: %w", err)
		}
	} else {
		logf("engine cannot be seeded; relocalizing against the saved map only")
	}

	points := relocalize.SavedMapPointsFromGrid(grid)
	logf("loaded map %dx%d with %d occupied cells", grid.Info.Width, grid.Info.Height, len(points))

	if t.deps.Maps != nil {
		if _, _, err := t.deps.Maps.PublishIfChanged(0, t.deps.Clock.Now()); err != nil {
			logf("publish loaded map: %v", err)
		}
	}
	if c, ok := t.deps.Lookup.(interface{ Clear() }); ok {
		c.Clear()
	}

	// The guess must be forced before the relocalization is armed.
	t.SetInitialPose(guess)
	t.mu.Lock()
	t.pending = &pendingRelocalization{saved: points, guess: guess}
	t.mu.Unlock()
	return nil
}

func (t *Tracker) takePending() *pendingRelocalization {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending
	t.pending = nil
	return p
}

// HandleScan runs one tracking cycle.
func (t *Tracker) HandleScan(ctx context.Context, scan *scanfilter.LaserScan) (Outcome, error) {
	start := t.deps.Clock.Now()
	var out Outcome

	if p := t.takePending(); p != nil {
		out.Relocalized = t.relocalize(ctx, scan, p)
	}

	if err := t.filter(ctx, scan); err != nil {
		return out, err
	}
	out.Points = t.points.Len()
	if out.Points == 0 {
		return out, ErrNoPoints
	}

	sel := t.selector.Select(ctx, t.deps.Engine.LastScanMatchPose())
	out.Selection = sel
	out.HardOverride = sel.Forced || t.cfg.MapWithKnownPoses
	t.deps.Engine.Update(&t.points, sel.Pose, out.HardOverride)
	out.Pose = t.deps.Engine.LastScanMatchPose()

	out.Elapsed = t.deps.Clock.Since(start)
	if t.cfg.OutputTiming {
		logf("scan cycle took %.3f ms", float64(out.Elapsed.Microseconds())/1000)
	}

	if t.cfg.MapWithKnownPoses {
		return out, nil
	}
	t.emit(ctx, out.Pose, sel.Source)
	return out, nil
}

func (t *Tracker) relocalize(ctx context.Context, scan *scanfilter.LaserScan, p *pendingRelocalization) bool {
	res, err := t.reloc.Relocalize(ctx, p.saved, scanfilter.LaserPoints(scan), scan.Header.FrameID, p.guess)
	if err != nil {
		logf("relocalization failed, keeping initial guess: %v", err)
		return false
	}
	t.forced.Set(res.Pose)
	if t.deps.Diagnostics != nil {
		t.deps.Diagnostics.PublishCorrection(res.Diagnostic)
	}
	return true
}

// filter fills t.points from scan.
func (t *Tracker) filter(ctx context.Context, scan *scanfilter.LaserScan) error {
	scale := t.deps.Engine.ScaleToMap()
	if !t.cfg.UseTFScanTransformation {
		scanfilter.FilterLaserScan(scan, scale, &t.points)
		return nil
	}

	mount, err := tf.WaitForRigidTransform(ctx, t.deps.Lookup, t.cfg.BaseFrame, scan.Header.FrameID, time.Time{}, t.cfg.TransformTimeout)
	if err != nil {
		t.points.Clear()
		return fmt.Errorf("scan frame: %w", err)
	}
	cloud := scanfilter.ProjectLaser(scan, t.cfg.RangeCutoff)
	scanfilter.FilterPointCloud(&cloud, mount.Transform, scale, t.cfg.CloudLimits, &t.points)
	return nil
}

// emit publishes the pose and the map-anchored transforms.
func (t *Tracker) emit(ctx context.Context, pose geom.Pose2D, src estimate.Source) {
	stamp := t.deps.Clock.Now()

	header := geom.Header{Stamp: stamp, FrameID: t.cfg.MapFrame}
	var covariance [9]float64
	if cov := t.deps.Engine.LastScanMatchCovariance(); cov != nil {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				covariance[r*3+c] = cov.At(r, c)
			}
		}
	}
	if t.deps.Poses != nil {
		t.deps.Poses.PublishPose(PoseUpdate{
			Header:     header,
			Pose:       pose,
			Covariance: covariance,
			Source:     src,
		})
	}
	if t.cfg.PubOdometry && t.deps.Odometry != nil {
		t.deps.Odometry.PublishOdometry(Odometry{
			Header:       header,
			ChildFrameID: t.cfg.BaseFrame,
			Pose:         pose,
			Covariance:   covariance,
		})
	}

	if t.deps.Broadcaster == nil {
		return
	}
	poseTF := geom.FromPose2D(pose)

	if t.cfg.PubMapOdomTransform {
		odomToBase := geom.Identity()
		st, err := tf.WaitForTransform(ctx, t.deps.Lookup, t.cfg.OdomFrame, t.cfg.BaseFrame, time.Time{}, t.cfg.TransformTimeout)
		if err == nil {
			odomToBase = st.Transform
		} else {
			logf("no %s to %s transform, using identity: %v", t.cfg.BaseFrame, t.cfg.OdomFrame, err)
		}
		t.mapToOdom = poseTF.Mul(odomToBase.Inverse())
		t.deps.Broadcaster.SendTransform(tf.Stamped{
			Stamp:     stamp,
			Parent:    t.cfg.MapFrame,
			Child:     t.cfg.OdomFrame,
			Transform: t.mapToOdom,
		})
	}

	if t.cfg.PubMapScanMatchFrame {
		t.deps.Broadcaster.SendTransform(tf.Stamped{
			Stamp:     stamp,
			Parent:    t.cfg.MapFrame,
			Child:     t.cfg.ScanMatchFrame,
			Transform: poseTF,
		})
	}
}

// Run handles scans until ctx is cancelled or scans is closed.
func (t *Tracker) Run(ctx context.Context, scans <-chan *scanfilter.LaserScan) {
	for {
		select {
		case <-ctx.Done():
			return
		case scan, ok := <-scans:
			if !ok {
				return
			}
			if _, err := t.HandleScan(ctx, scan); err != nil {
				logf("scan skipped: %v", err)
			}
		}
	}
}
