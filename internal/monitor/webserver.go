package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/mappub"
	"github.com/banshee-data/scanloc/internal/mapstore"
	"github.com/banshee-data/scanloc/internal/tracking"
	"github.com/banshee-data/scanloc/internal/version"
)

// Controller accepts operator requests.
type Controller interface {
	SetInitialPose(pose geom.Pose3)
	Reset()
	LoadMap(grid *mappub.OccupancyGrid, guess geom.Pose3) error
}

// MapArchive stores and retrieves saved maps.
type MapArchive interface {
	SaveMap(grid *mappub.OccupancyGrid, label string) (string, error)
	GetMap(id string) (*mapstore.SavedMap, error)
	LatestMap() (*mapstore.SavedMap, error)
	ListMaps(limit int) ([]mapstore.SavedMap, error)
}

// MapSnapshots returns the most recent published snapshot of a map level.
type MapSnapshots interface {
	Latest(level int) (mappub.OccupancyGrid, bool)
}

// WebServer serves the localizer's HTTP interface.
type WebServer struct {
	address    string
	state      *State
	maps       MapSnapshots
	controller Controller
	archive    MapArchive
	server     *http.Server
}

// WebServerConfig contains configuration options for the web server.
// Archive may be nil, which disables the map save and load routes. Maps
// defaults to State.
type WebServerConfig struct {
	Address    string
	State      *State
	Maps       MapSnapshots
	Controller Controller
	Archive    MapArchive
	// AttachRoutes mounts extra routes, such as the map store's admin pages.
	AttachRoutes func(mux *http.ServeMux)
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    config.Address,
		state:      config.State,
		controller: config.Controller,
		archive:    config.Archive,
	}
	if config.Maps != nil {
		ws.maps = config.Maps
	} else {
		ws.maps = config.State
	}

	mux := ws.setupRoutes()
	if config.AttachRoutes != nil {
		config.AttachRoutes(mux)
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: mux,
	}

	return ws
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	ws.writeJSON(w, status, map[string]string{"error": msg})
}

// Start runs the HTTP server until ctx is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/pose", ws.handlePose)
	mux.HandleFunc("/api/odom", ws.handleOdometry)
	mux.HandleFunc("/api/map", ws.handleMap)
	mux.HandleFunc("/api/map/metadata", ws.handleMapMetadata)
	mux.HandleFunc("/api/initialpose", ws.handleInitialPose)
	mux.HandleFunc("/api/syscommand", ws.handleSysCommand)
	mux.HandleFunc("/api/relocalization", ws.handleRelocalization)
	if ws.archive != nil {
		mux.HandleFunc("/api/maps", ws.handleMaps)
		mux.HandleFunc("/api/maps/save", ws.handleSaveMap)
		mux.HandleFunc("/api/maps/load", ws.handleLoadMap)
	}

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("map", "Occupied cells of the latest map", ws.handleMapChart)
	debug.HandleFunc("relocalization.png", "Last relocalization: saved, guess and corrected points", ws.handleRelocalizationPlot)

	return mux
}

// handleHealth reports whether poses are flowing.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"service":   "localizer",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"tracking":  false,
		"version":   version.Version,
	}
	if _, n, ok := ws.state.Pose(); ok {
		resp["tracking"] = true
		resp["poses"] = n
	}
	if age, ok := ws.state.lastPoseAge(); ok {
		resp["last_pose_age_ms"] = age.Milliseconds()
	}
	if id := ws.state.ActiveMap(); id != "" {
		resp["active_map"] = id
	}
	ws.writeJSON(w, http.StatusOK, resp)
}

func (ws *WebServer) handlePose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	u, _, ok := ws.state.Pose()
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "no pose yet")
		return
	}
	ws.writeJSON(w, http.StatusOK, u)
}

func (ws *WebServer) handleOdometry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	o, ok := ws.state.Odometry()
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "no odometry yet")
		return
	}
	ws.writeJSON(w, http.StatusOK, o)
}

// levelParam parses the optional level query parameter.
func levelParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("level")
	if s == "" {
		return 0, nil
	}
	level, err := strconv.Atoi(s)
	if err != nil || level < 0 {
		return 0, fmt.Errorf("invalid level %q", s)
	}
	return level, nil
}

// handleMap returns the latest snapshot of a map level.
// Query params:
//
//	level (optional, default 0)
func (ws *WebServer) handleMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	level, err := levelParam(r)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	grid, ok := ws.maps.Latest(level)
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no map for level %d", level))
		return
	}
	ws.writeJSON(w, http.StatusOK, grid)
}

func (ws *WebServer) handleMapMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	level, err := levelParam(r)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, ok := ws.state.Metadata(level)
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no metadata for level %d", level))
		return
	}
	ws.writeJSON(w, http.StatusOK, info)
}

// handleInitialPose forces the next update to start from the posted pose.
func (ws *WebServer) handleInitialPose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var pose geom.Pose3
	if err := json.NewDecoder(r.Body).Decode(&pose); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, "invalid pose: "+err.Error())
		return
	}
	if pose.Orientation == (geom.Quaternion{}) {
		pose.Orientation = geom.Quaternion{W: 1}
	}
	ws.controller.SetInitialPose(pose)
	ws.writeJSON(w, http.StatusAccepted, pose.Pose2D())
}

type sysCommand struct {
	Command string `json:"command"`
}

// handleSysCommand accepts {"command": "reset"}.
func (ws *WebServer) handleSysCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var cmd sysCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, "invalid command: "+err.Error())
		return
	}
	switch cmd.Command {
	case "reset":
		ws.controller.Reset()
		ws.state.Reset()
		ws.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	default:
		ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

type relocalizationSummary struct {
	GuessPose       geom.Pose2D `json:"guess_pose"`
	CorrectedPose   geom.Pose2D `json:"corrected_pose"`
	Rounds          int         `json:"rounds"`
	ConvergedRounds int         `json:"converged_rounds"`
	FinalFitness    *float64    `json:"final_fitness,omitempty"`
	ScanPoints      int         `json:"scan_points"`
	SavedPoints     int         `json:"saved_points"`
	ElapsedMs       float64     `json:"elapsed_ms"`
}

func (ws *WebServer) handleRelocalization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	d, ok := ws.state.Diagnostic()
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "no relocalization yet")
		return
	}
	sum := relocalizationSummary{
		GuessPose:       d.GuessPose,
		CorrectedPose:   d.CorrectedPose,
		Rounds:          len(d.Rounds),
		ConvergedRounds: d.ConvergedRounds(),
		ScanPoints:      len(d.Guess),
		SavedPoints:     len(d.Saved),
		ElapsedMs:       float64(d.Elapsed.Microseconds()) / 1000,
	}
	if f := d.FinalFitness(); !math.IsNaN(f) {
		sum.FinalFitness = &f
	}
	ws.writeJSON(w, http.StatusOK, sum)
}

// handleMaps lists saved maps, newest first.
// Query params:
//
//	limit (optional, default 20)
func (ws *WebServer) handleMaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			ws.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	maps, err := ws.archive.ListMaps(limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ws.writeJSON(w, http.StatusOK, maps)
}

type saveMapRequest struct {
	Label string `json:"label"`
}

// handleSaveMap stores the latest level 0 snapshot.
func (ws *WebServer) handleSaveMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req saveMapRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ws.writeJSONError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}
	grid, ok := ws.maps.Latest(0)
	if !ok {
		ws.writeJSONError(w, http.StatusConflict, "no map published yet")
		return
	}
	id, err := ws.archive.SaveMap(&grid, req.Label)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logf("saved map %s (%q, %d occupied cells)", id, req.Label, grid.OccupiedCount())
	ws.writeJSON(w, http.StatusCreated, map[string]string{"map_id": id})
}

type loadMapRequest struct {
	MapID       string      `json:"map_id"`
	InitialPose *geom.Pose3 `json:"initial_pose"`
}

// handleLoadMap primes the tracker with a saved map, the latest one when
// no map_id is given, and relocalizes from initial_pose on the next scan.
func (ws *WebServer) handleLoadMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req loadMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var (
		saved *mapstore.SavedMap
		err   error
	)
	if req.MapID == "" {
		saved, err = ws.archive.LatestMap()
	} else {
		saved, err = ws.archive.GetMap(req.MapID)
	}
	if errors.Is(err, mapstore.ErrNotFound) {
		ws.writeJSONError(w, http.StatusNotFound, "map not found")
		return
	}
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	guess := geom.Pose3{Orientation: geom.Quaternion{W: 1}}
	if req.InitialPose != nil {
		guess = *req.InitialPose
	} else if u, _, ok := ws.state.Pose(); ok {
		guess = geom.Pose3FromPose2D(u.Pose)
	}

	if err := ws.controller.LoadMap(saved.Grid, guess); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tracking.ErrMapMismatch) {
			status = http.StatusConflict
		}
		ws.writeJSONError(w, status, err.Error())
		return
	}
	ws.state.SetActiveMap(saved.MapID)
	ws.writeJSON(w, http.StatusOK, map[string]string{"map_id": saved.MapID})
}

// Close shuts down the web server.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}
