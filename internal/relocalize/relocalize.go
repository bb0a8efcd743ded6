// Package relocalize corrects a rough pose guess by registering the current
// scan against the occupied cells of a saved map. Registration is repeated
// over a schedule of halving correspondence distances, each round starting
// from the previous round's aligned points.
package relocalize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/mappub"
	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/registration"
	"github.com/banshee-data/scanloc/internal/tf"
)

var logf = monitoring.Tagged("Relocalize")

var (
	// ErrEmptyMap is returned when the saved map has no occupied cells.
	ErrEmptyMap = errors.New("saved map has no occupied cells")
	// ErrEmptyScan is returned when the scan has no usable points.
	ErrEmptyScan = errors.New("scan has no usable points")
	// ErrNonRigidStep is returned when a registration round yields a
	// transform that is not a rotation plus translation.
	ErrNonRigidStep = errors.New("registration returned a non-rigid transform")
)

// SavedMapPoints are the world positions of a saved map's occupied cells.
type SavedMapPoints []geom.Point2

// SavedMapPointsFromGrid extracts occupied cell positions. Positions use the
// grid origin's translation only.
func SavedMapPointsFromGrid(grid *mappub.OccupancyGrid) SavedMapPoints {
	res := grid.Info.Resolution
	ox, oy := grid.Info.Origin.Position.X, grid.Info.Origin.Position.Y
	var pts SavedMapPoints
	for row := 0; row < grid.Info.Height; row++ {
		for col := 0; col < grid.Info.Width; col++ {
			i := row*grid.Info.Width + col
			if i >= len(grid.Data) {
				return pts
			}
			if grid.Data[i] == mappub.CellOccupied {
				pts = append(pts, geom.Point2{X: float64(col)*res + ox, Y: float64(row)*res + oy})
			}
		}
	}
	return pts
}

// Config controls the annealing schedule.
type Config struct {
	// Rounds is the number of registration rounds.
	Rounds int
	// SeedDistance is the first round's maximum correspondence distance;
	// round i uses SeedDistance/2^i.
	SeedDistance float64
	// MaxIterations bounds each round's registration.
	MaxIterations int
	// BaseFrame is the robot frame the laser is mounted on.
	BaseFrame string
	// TransformTimeout bounds the laser to base lookup.
	TransformTimeout time.Duration
}

// DefaultConfig returns the standard 200-round schedule from 400 m.
func DefaultConfig() Config {
	return Config{
		Rounds:           200,
		SeedDistance:     400,
		MaxIterations:    100,
		BaseFrame:        "base_link",
		TransformTimeout: 500 * time.Millisecond,
	}
}

// Round records one registration round.
type Round struct {
	MaxCorrespondenceDistance float64 `json:"max_correspondence_distance"`
	Converged                 bool    `json:"converged"`
	Fitness                   float64 `json:"fitness"`
	Iterations                int     `json:"iterations"`
}

// Diagnostic describes a relocalization for inspection.
type Diagnostic struct {
	GuessPose     geom.Pose2D    `json:"guess_pose"`
	CorrectedPose geom.Pose2D    `json:"corrected_pose"`
	Saved         []geom.Point2  `json:"-"`
	Guess         []geom.Point2  `json:"guess"`
	Corrected     []geom.Point2  `json:"corrected"`
	Rounds        []Round        `json:"rounds"`
	Correction    geom.Transform `json:"correction"`
	Elapsed       time.Duration  `json:"elapsed"`
}

// ConvergedRounds counts rounds that met a convergence criterion.
func (d *Diagnostic) ConvergedRounds() int {
	n := 0
	for _, r := range d.Rounds {
		if r.Converged {
			n++
		}
	}
	return n
}

// FinalFitness is the fitness of the last round, or NaN if none ran.
func (d *Diagnostic) FinalFitness() float64 {
	if len(d.Rounds) == 0 {
		return math.NaN()
	}
	return d.Rounds[len(d.Rounds)-1].Fitness
}

// Result is a corrected pose.
type Result struct {
	Pose       geom.Pose2D
	Pose3      geom.Pose3
	Diagnostic Diagnostic
}

// Engine runs relocalizations. It is used from the scan goroutine only.
type Engine struct {
	cfg    Config
	lookup tf.Lookup
	reg    registration.Registrar
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, lookup tf.Lookup, reg registration.Registrar) *Engine {
	return &Engine{cfg: cfg, lookup: lookup, reg: reg}
}

// Relocalize corrects guess using laserPoints, metric points in laserFrame.
// If the laser mount cannot be resolved or is not rigid the error wraps
// tf.ErrTransformUnavailable and the caller keeps its guess.
func (e *Engine) Relocalize(ctx context.Context, saved SavedMapPoints, laserPoints []geom.Point2, laserFrame string, guess geom.Pose3) (Result, error) {
	if len(saved) == 0 {
		return Result{}, ErrEmptyMap
	}
	if len(laserPoints) == 0 {
		return Result{}, ErrEmptyScan
	}

	mount, err := tf.WaitForRigidTransform(ctx, e.lookup, e.cfg.BaseFrame, laserFrame, time.Time{}, e.cfg.TransformTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("laser mount: %w", err)
	}
	return e.Refine(saved, laserPoints, mount.Transform, geom.FromPose3(guess))
}

// Refine runs the annealing schedule given both transforms.
func (e *Engine) Refine(saved SavedMapPoints, laserPoints []geom.Point2, laserToBase, baseToWorld geom.Transform) (Result, error) {
	if len(saved) == 0 {
		return Result{}, ErrEmptyMap
	}
	if len(laserPoints) == 0 {
		return Result{}, ErrEmptyScan
	}
	started := time.Now()

	guess := make([]geom.Point2, len(laserPoints))
	for i, p := range laserPoints {
		// The laser height is dropped before moving into the world frame.
		b := laserToBase.ApplyPoint2(p)
		guess[i] = baseToWorld.ApplyPoint2(b)
	}

	moving := append([]geom.Point2(nil), guess...)
	correction := geom.Identity()
	rounds := make([]Round, 0, e.cfg.Rounds)
	for i := 0; i < e.cfg.Rounds; i++ {
		dist := math.Ldexp(e.cfg.SeedDistance, -i)
		res, err := e.reg.Register(moving, saved, dist, e.cfg.MaxIterations)
		if err != nil {
			return Result{}, fmt.Errorf("round %d at %g m: %w", i, dist, err)
		}
		if !res.Transform.IsRigid() {
			return Result{}, fmt.Errorf("round %d at %g m: %w", i, dist, ErrNonRigidStep)
		}
		for j := range moving {
			moving[j] = res.Transform.ApplyPoint2(moving[j])
		}
		correction = res.Transform.Mul(correction)
		rounds = append(rounds, Round{
			MaxCorrespondenceDistance: dist,
			Converged:                 res.Converged,
			Fitness:                   res.Fitness,
			Iterations:                res.Iterations,
		})
	}

	final := correction.Mul(baseToWorld)
	pose := geom.NewPose2D(final[3], final[7], final.Yaw())
	diag := Diagnostic{
		GuessPose:     geom.NewPose2D(baseToWorld[3], baseToWorld[7], baseToWorld.Yaw()),
		CorrectedPose: pose,
		Saved:         saved,
		Guess:         guess,
		Corrected:     moving,
		Rounds:        rounds,
		Correction:    correction,
		Elapsed:       time.Since(started),
	}
	if n := diag.ConvergedRounds(); n < len(rounds) {
		logf("%d of %d rounds did not converge", len(rounds)-n, len(rounds))
	}
	logf("corrected pose x=%.3f y=%.3f yaw=%.3f (guess x=%.3f y=%.3f yaw=%.3f) in %v",
		pose.X, pose.Y, pose.Yaw, diag.GuessPose.X, diag.GuessPose.Y, diag.GuessPose.Yaw, diag.Elapsed)

	return Result{Pose: pose, Pose3: final.Pose3(), Diagnostic: diag}, nil
}
