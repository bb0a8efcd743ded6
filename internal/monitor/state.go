// Package monitor exposes the localizer over HTTP and gRPC health. State
// collects the tracker's outputs; WebServer serves them and forwards
// operator requests back to the tracker.
package monitor

import (
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/scanloc/internal/mappub"
	"github.com/banshee-data/scanloc/internal/mapstore"
	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/relocalize"
	"github.com/banshee-data/scanloc/internal/timeutil"
	"github.com/banshee-data/scanloc/internal/tracking"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "scanloc.Localizer"

var logf = monitoring.Tagged("Monitor")

// RunRecorder persists relocalization runs.
type RunRecorder interface {
	RecordRelocalization(run *mapstore.RelocalizationRun) error
}

// State is the latest tracker output. It implements the tracking pose,
// odometry and diagnostic sinks and mappub.MapSink.
type State struct {
	clock  timeutil.Clock
	runs   RunRecorder
	health *health.Server

	mu          sync.RWMutex
	pose        *tracking.PoseUpdate
	poseCount   int
	odometry    *tracking.Odometry
	maps        map[int]mappub.OccupancyGrid
	metadata    map[int]mappub.MapMetaData
	diagnostic  *relocalize.Diagnostic
	activeMapID string
}

// NewState creates an empty State. runs may be nil.
func NewState(clock timeutil.Clock, runs RunRecorder) *State {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &State{
		clock:    clock,
		runs:     runs,
		health:   hs,
		maps:     make(map[int]mappub.OccupancyGrid),
		metadata: make(map[int]mappub.MapMetaData),
	}
}

// Health returns the gRPC health server tracking this state.
func (s *State) Health() *health.Server {
	return s.health
}

// PublishPose records the latest tracked pose and marks the service healthy.
func (s *State) PublishPose(u tracking.PoseUpdate) {
	s.mu.Lock()
	first := s.pose == nil
	s.pose = &u
	s.poseCount++
	s.mu.Unlock()

	if first {
		s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	}
}

// PublishOdometry records the latest odometry message.
func (s *State) PublishOdometry(o tracking.Odometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.odometry = &o
}

// Odometry returns the latest odometry message.
func (s *State) Odometry() (tracking.Odometry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.odometry == nil {
		return tracking.Odometry{}, false
	}
	return *s.odometry, true
}

// PublishCorrection records a relocalization and stores it against the
// active map when a recorder is configured.
func (s *State) PublishCorrection(d relocalize.Diagnostic) {
	s.mu.Lock()
	s.diagnostic = &d
	mapID := s.activeMapID
	s.mu.Unlock()

	logf("relocalized (%.3f, %.3f, %.3f) -> (%.3f, %.3f, %.3f) in %v",
		d.GuessPose.X, d.GuessPose.Y, d.GuessPose.Yaw,
		d.CorrectedPose.X, d.CorrectedPose.Y, d.CorrectedPose.Yaw, d.Elapsed)

	if s.runs == nil || mapID == "" {
		return
	}
	run := mapstore.RunFromDiagnostic(mapID, s.clock.Now().Add(-d.Elapsed), &d)
	if err := s.runs.RecordRelocalization(&run); err != nil {
		logf("failed to record relocalization against %s: %v", mapID, err)
	}
}

// PublishMap records a map snapshot.
func (s *State) PublishMap(level int, grid *mappub.OccupancyGrid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[level] = *grid
}

// PublishMetadata records map metadata.
func (s *State) PublishMetadata(level int, info mappub.MapMetaData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[level] = info
}

// Pose returns the latest pose and the number received.
func (s *State) Pose() (tracking.PoseUpdate, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pose == nil {
		return tracking.PoseUpdate{}, 0, false
	}
	return *s.pose, s.poseCount, true
}

// Latest returns the latest snapshot of level. Snapshots are never mutated
// after publication so the returned Data may be shared.
func (s *State) Latest(level int) (mappub.OccupancyGrid, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.maps[level]
	return g, ok
}

// Metadata returns the latest metadata of level.
func (s *State) Metadata(level int) (mappub.MapMetaData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[level]
	return m, ok
}

// Diagnostic returns the last relocalization diagnostic.
func (s *State) Diagnostic() (relocalize.Diagnostic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.diagnostic == nil {
		return relocalize.Diagnostic{}, false
	}
	return *s.diagnostic, true
}

// SetActiveMap sets the saved map that relocalizations are recorded against.
func (s *State) SetActiveMap(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeMapID = id
}

// ActiveMap returns the saved map ID, if one was loaded.
func (s *State) ActiveMap() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeMapID
}

// Reset forgets the pose and marks the service as not serving until the
// next pose arrives.
func (s *State) Reset() {
	s.mu.Lock()
	s.pose = nil
	s.odometry = nil
	s.mu.Unlock()
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// lastPoseAge is the time since the latest pose stamp.
func (s *State) lastPoseAge() (time.Duration, bool) {
	u, _, ok := s.Pose()
	if !ok {
		return 0, false
	}
	return s.clock.Since(u.Header.Stamp), true
}
