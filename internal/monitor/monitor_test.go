package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/mappub"
	"github.com/banshee-data/scanloc/internal/mapstore"
	"github.com/banshee-data/scanloc/internal/relocalize"
	"github.com/banshee-data/scanloc/internal/timeutil"
	"github.com/banshee-data/scanloc/internal/tracking"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockController struct {
	initial []geom.Pose3
	resets  int
	loaded  []*mappub.OccupancyGrid
	guesses []geom.Pose3
	loadErr error
}

func (c *mockController) SetInitialPose(p geom.Pose3) { c.initial = append(c.initial, p) }
func (c *mockController) Reset()                      { c.resets++ }

func (c *mockController) LoadMap(grid *mappub.OccupancyGrid, guess geom.Pose3) error {
	if c.loadErr != nil {
		return c.loadErr
	}
	c.loaded = append(c.loaded, grid)
	c.guesses = append(c.guesses, guess)
	return nil
}

type mockArchive struct {
	maps   map[string]*mapstore.SavedMap
	latest string
	saved  []string
}

func newMockArchive() *mockArchive {
	return &mockArchive{maps: make(map[string]*mapstore.SavedMap)}
}

func (a *mockArchive) SaveMap(grid *mappub.OccupancyGrid, label string) (string, error) {
	id := fmt.Sprintf("map-%d", len(a.maps)+1)
	a.maps[id] = &mapstore.SavedMap{MapID: id, Label: label, Grid: grid}
	a.latest = id
	a.saved = append(a.saved, label)
	return id, nil
}

func (a *mockArchive) GetMap(id string) (*mapstore.SavedMap, error) {
	m, ok := a.maps[id]
	if !ok {
		return nil, mapstore.ErrNotFound
	}
	return m, nil
}

func (a *mockArchive) LatestMap() (*mapstore.SavedMap, error) {
	if a.latest == "" {
		return nil, mapstore.ErrNotFound
	}
	return a.maps[a.latest], nil
}

func (a *mockArchive) ListMaps(limit int) ([]mapstore.SavedMap, error) {
	var out []mapstore.SavedMap
	for _, m := range a.maps {
		out = append(out, mapstore.SavedMap{MapID: m.MapID, Label: m.Label})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type mockRecorder struct {
	runs []mapstore.RelocalizationRun
	err  error
}

func (r *mockRecorder) RecordRelocalization(run *mapstore.RelocalizationRun) error {
	if r.err != nil {
		return r.err
	}
	r.runs = append(r.runs, *run)
	return nil
}

func testGrid() *mappub.OccupancyGrid {
	data := make([]int8, 16)
	for i := range data {
		data[i] = mappub.CellUnknown
	}
	data[5] = mappub.CellOccupied
	data[6] = mappub.CellFree
	return &mappub.OccupancyGrid{
		Header: geom.Header{Stamp: epoch, FrameID: "map"},
		Info: mappub.MapMetaData{
			Resolution: 0.5,
			Width:      4,
			Height:     4,
			Origin:     geom.Pose3{Position: geom.Vec3{X: -1, Y: -1}, Orientation: geom.Quaternion{W: 1}},
		},
		Data: data,
	}
}

func testDiagnostic() relocalize.Diagnostic {
	return relocalize.Diagnostic{
		GuessPose:     geom.NewPose2D(1, 2, 0.1),
		CorrectedPose: geom.NewPose2D(1.1, 2.05, 0.12),
		Saved:         []geom.Point2{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}},
		Guess:         []geom.Point2{{X: 0.1, Y: 0}, {X: 1.1, Y: 0}},
		Corrected:     []geom.Point2{{X: 0, Y: 0}, {X: 1, Y: 0}},
		Rounds: []relocalize.Round{
			{MaxCorrespondenceDistance: 400, Converged: true, Fitness: 0.5, Iterations: 3},
			{MaxCorrespondenceDistance: 200, Converged: true, Fitness: 0.01, Iterations: 2},
		},
		Correction: geom.Identity(),
		Elapsed:    2 * time.Second,
	}
}

type fixture struct {
	state   *State
	ctrl    *mockController
	archive *mockArchive
	ws      *WebServer
}

func newFixture() *fixture {
	f := &fixture{
		state:   NewState(timeutil.NewMockClock(epoch), nil),
		ctrl:    &mockController{},
		archive: newMockArchive(),
	}
	f.ws = NewWebServer(WebServerConfig{
		Address:    "127.0.0.1:0",
		State:      f.state,
		Controller: f.ctrl,
		Archive:    f.archive,
	})
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.ws.server.Handler.ServeHTTP(w, req)
	return w
}

func healthStatus(t *testing.T, s *State) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	return resp.Status
}

func TestStatePoseAndHealth(t *testing.T) {
	t.Parallel()
	s := NewState(timeutil.NewMockClock(epoch), nil)

	_, _, ok := s.Pose()
	assert.False(t, ok)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, s))

	s.PublishPose(tracking.PoseUpdate{Pose: geom.NewPose2D(1, 2, 0.3)})
	s.PublishPose(tracking.PoseUpdate{Pose: geom.NewPose2D(1.5, 2, 0.3)})
	u, n, ok := s.Pose()
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 1.5, u.Pose.X, 1e-12)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, s))

	s.Reset()
	_, _, ok = s.Pose()
	assert.False(t, ok)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, s))
}

func TestStateMapSink(t *testing.T) {
	t.Parallel()
	s := NewState(nil, nil)
	var _ mappub.MapSink = s
	var _ tracking.PoseSink = s
	var _ tracking.DiagnosticSink = s

	grid := testGrid()
	s.PublishMap(1, grid)
	s.PublishMetadata(1, grid.Info)

	got, ok := s.Latest(1)
	require.True(t, ok)
	assert.Equal(t, grid.Data, got.Data)
	_, ok = s.Latest(0)
	assert.False(t, ok)

	info, ok := s.Metadata(1)
	require.True(t, ok)
	assert.Equal(t, 4, info.Width)
}

func TestStateRecordsRelocalizationAgainstActiveMap(t *testing.T) {
	t.Parallel()
	rec := &mockRecorder{}
	s := NewState(timeutil.NewMockClock(epoch), rec)

	s.PublishCorrection(testDiagnostic())
	assert.Empty(t, rec.runs, "no active map, nothing recorded")
	_, ok := s.Diagnostic()
	assert.True(t, ok)

	s.SetActiveMap("map-7")
	s.PublishCorrection(testDiagnostic())
	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	assert.Equal(t, "map-7", run.MapID)
	assert.Equal(t, epoch.Add(-2*time.Second), run.StartedAt)
	assert.Equal(t, 2, run.Rounds)
	assert.Equal(t, 2, run.ConvergedRounds)
	assert.InDelta(t, 0.01, run.FinalFitness, 1e-12)
	assert.Equal(t, 2, run.ScanPoints)
}

func TestStateRecorderErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	s := NewState(timeutil.NewMockClock(epoch), &mockRecorder{err: errors.New("disk full")})
	s.SetActiveMap("map-1")
	s.PublishCorrection(testDiagnostic())
	d, ok := s.Diagnostic()
	require.True(t, ok)
	assert.Equal(t, 2, len(d.Rounds))
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()

	w := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["tracking"])

	f.state.PublishPose(tracking.PoseUpdate{Header: geom.Header{Stamp: epoch}})
	f.state.SetActiveMap("map-3")
	w = f.do(http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["tracking"])
	assert.Equal(t, "map-3", body["active_map"])
	assert.EqualValues(t, 0, body["last_pose_age_ms"])
}

func TestPoseEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/pose", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/api/pose", "").Code)

	f.state.PublishPose(tracking.PoseUpdate{Pose: geom.NewPose2D(3, 4, 0.5)})
	w := f.do(http.MethodGet, "/api/pose", "")
	require.Equal(t, http.StatusOK, w.Code)
	var u tracking.PoseUpdate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &u))
	assert.InDelta(t, 3, u.Pose.X, 1e-12)
	assert.InDelta(t, 0.5, u.Pose.Yaw, 1e-12)
}

func TestOdometryEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/odom", "").Code)

	f.state.PublishOdometry(tracking.Odometry{
		Header:       geom.Header{Stamp: epoch, FrameID: "map"},
		ChildFrameID: "base_link",
		Pose:         geom.NewPose2D(1, -2, 0.25),
		Covariance:   [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	})
	w := f.do(http.MethodGet, "/api/odom", "")
	require.Equal(t, http.StatusOK, w.Code)
	var o tracking.Odometry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	assert.Equal(t, "base_link", o.ChildFrameID)
	assert.InDelta(t, -2, o.Pose.Y, 1e-12)
	assert.Equal(t, 1.0, o.Covariance[8])

	f.state.Reset()
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/odom", "").Code)
}

func TestMapEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.state.PublishMap(0, testGrid())
	f.state.PublishMetadata(0, testGrid().Info)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"default level", "/api/map", http.StatusOK},
		{"explicit level", "/api/map?level=0", http.StatusOK},
		{"missing level", "/api/map?level=2", http.StatusNotFound},
		{"bad level", "/api/map?level=x", http.StatusBadRequest},
		{"negative level", "/api/map?level=-1", http.StatusBadRequest},
		{"metadata", "/api/map/metadata", http.StatusOK},
		{"missing metadata", "/api/map/metadata?level=3", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, f.do(http.MethodGet, tt.target, "").Code)
		})
	}

	w := f.do(http.MethodGet, "/api/map", "")
	var grid mappub.OccupancyGrid
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grid))
	assert.Equal(t, testGrid().Data, grid.Data)
	assert.Equal(t, "map", grid.Header.FrameID)
}

type snapshotStub map[int]mappub.OccupancyGrid

func (s snapshotStub) Latest(level int) (mappub.OccupancyGrid, bool) {
	g, ok := s[level]
	return g, ok
}

func TestMapEndpointServesSnapshotSource(t *testing.T) {
	t.Parallel()
	state := NewState(timeutil.NewMockClock(epoch), nil)
	grid := testGrid()
	grid.Data[0] = mappub.CellOccupied
	ws := NewWebServer(WebServerConfig{
		State: state,
		Maps:  snapshotStub{0: *grid},
	})
	state.PublishMap(0, testGrid())

	req := httptest.NewRequest(http.MethodGet, "/api/map", nil)
	w := httptest.NewRecorder()
	ws.server.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got mappub.OccupancyGrid
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, grid.Data, got.Data)

	req = httptest.NewRequest(http.MethodGet, "/api/map?level=1", nil)
	w = httptest.NewRecorder()
	ws.server.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInitialPoseEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()

	w := f.do(http.MethodPost, "/api/initialpose", `{"position":{"X":1,"Y":2,"Z":0}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.ctrl.initial, 1)
	assert.Equal(t, geom.Quaternion{W: 1}, f.ctrl.initial[0].Orientation)
	assert.InDelta(t, 2, f.ctrl.initial[0].Position.Y, 1e-12)

	q := geom.QuaternionFromYaw(0.5)
	body := fmt.Sprintf(`{"position":{"X":0,"Y":0,"Z":0},"orientation":{"W":%g,"X":0,"Y":0,"Z":%g}}`, q.W, q.Z)
	w = f.do(http.MethodPost, "/api/initialpose", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	var p geom.Pose2D
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.InDelta(t, 0.5, p.Yaw, 1e-9)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/initialpose", "{").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/initialpose", "").Code)
}

func TestSysCommandEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.state.PublishPose(tracking.PoseUpdate{})

	w := f.do(http.MethodPost, "/api/syscommand", `{"command":"reset"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.ctrl.resets)
	_, _, ok := f.state.Pose()
	assert.False(t, ok)

	w = f.do(http.MethodPost, "/api/syscommand", `{"command":"savegeotiff"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, f.ctrl.resets)
}

func TestRelocalizationEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/relocalization", "").Code)

	f.state.PublishCorrection(testDiagnostic())
	w := f.do(http.MethodGet, "/api/relocalization", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sum relocalizationSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 2, sum.Rounds)
	assert.Equal(t, 3, sum.SavedPoints)
	require.NotNil(t, sum.FinalFitness)
	assert.InDelta(t, 0.01, *sum.FinalFitness, 1e-12)
	assert.InDelta(t, 2000, sum.ElapsedMs, 1e-9)

	d := testDiagnostic()
	d.Rounds = nil
	f.state.PublishCorrection(d)
	w = f.do(http.MethodGet, "/api/relocalization", "")
	require.Equal(t, http.StatusOK, w.Code)
	sum = relocalizationSummary{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Nil(t, sum.FinalFitness)
}

func TestSaveMapEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()

	w := f.do(http.MethodPost, "/api/maps/save", `{"label":"hall"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	f.state.PublishMap(0, testGrid())
	w = f.do(http.MethodPost, "/api/maps/save", `{"label":"hall"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "map-1", resp["map_id"])
	assert.Equal(t, []string{"hall"}, f.archive.saved)

	w = f.do(http.MethodPost, "/api/maps/save", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"hall", ""}, f.archive.saved)

	w = f.do(http.MethodGet, "/api/maps?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var maps []mapstore.SavedMap
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &maps))
	assert.Len(t, maps, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/maps?limit=0", "").Code)
}

func TestLoadMapEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture()

	w := f.do(http.MethodPost, "/api/maps/load", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPost, "/api/maps/load", `{"map_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	id, err := f.archive.SaveMap(testGrid(), "lab")
	require.NoError(t, err)

	f.state.PublishPose(tracking.PoseUpdate{Pose: geom.NewPose2D(2, 1, 0)})
	w = f.do(http.MethodPost, "/api/maps/load", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.ctrl.loaded, 1)
	assert.Equal(t, testGrid().Data, f.ctrl.loaded[0].Data)
	assert.InDelta(t, 2, f.ctrl.guesses[0].Position.X, 1e-12, "guess defaults to the current pose")
	assert.Equal(t, id, f.state.ActiveMap())

	body := fmt.Sprintf(`{"map_id":%q,"initial_pose":{"position":{"X":-3,"Y":0,"Z":0},"orientation":{"W":1,"X":0,"Y":0,"Z":0}}}`, id)
	w = f.do(http.MethodPost, "/api/maps/load", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, -3, f.ctrl.guesses[1].Position.X, 1e-12)

	f.ctrl.loadErr = fmt.Errorf("saved 4x4, engine 8x8: %w", tracking.ErrMapMismatch)
	w = f.do(http.MethodPost, "/api/maps/load", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestArchiveRoutesNeedArchive(t *testing.T) {
	t.Parallel()
	ws := NewWebServer(WebServerConfig{State: NewState(nil, nil), Controller: &mockController{}})
	req := httptest.NewRequest(http.MethodPost, "/api/maps/save", nil)
	w := httptest.NewRecorder()
	ws.server.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMapChart(t *testing.T) {
	t.Parallel()
	f := newFixture()

	w := httptest.NewRecorder()
	f.ws.handleMapChart(w, httptest.NewRequest(http.MethodGet, "/debug/map", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.state.PublishMap(0, testGrid())
	f.state.PublishPose(tracking.PoseUpdate{Pose: geom.NewPose2D(0, 0, 0)})
	w = httptest.NewRecorder()
	f.ws.handleMapChart(w, httptest.NewRequest(http.MethodGet, "/debug/map", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Occupied Cells")
}

func TestOccupiedPoints(t *testing.T) {
	t.Parallel()
	grid := testGrid()
	pts := occupiedPoints(grid, 1)
	require.Len(t, pts, 1)
	// Cell 5 is column 1, row 1; the origin is the corner of cell 0.
	assert.InDelta(t, -1+1.5*0.5, pts[0].X, 1e-12)
	assert.InDelta(t, -1+1.5*0.5, pts[0].Y, 1e-12)

	grid.Data[0] = mappub.CellOccupied
	grid.Data[1] = mappub.CellOccupied
	assert.Len(t, occupiedPoints(grid, 2), 2)
}

func TestRelocalizationPlot(t *testing.T) {
	t.Parallel()
	f := newFixture()

	w := httptest.NewRecorder()
	f.ws.handleRelocalizationPlot(w, httptest.NewRequest(http.MethodGet, "/debug/relocalization.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.state.PublishCorrection(testDiagnostic())
	w = httptest.NewRecorder()
	f.ws.handleRelocalizationPlot(w, httptest.NewRequest(http.MethodGet, "/debug/relocalization.png", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "\x89PNG"))
}

func TestServeHealth(t *testing.T) {
	s := NewState(nil, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveHealth(ctx, lis, s) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	s.PublishPose(tracking.PoseUpdate{})
	resp, err = client.Check(callCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}
