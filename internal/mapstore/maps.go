package mapstore

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/mappub"
)

// SavedMap is a stored occupancy grid. Grid is nil in listings.
type SavedMap struct {
	MapID         string                `json:"map_id"`
	Label         string                `json:"label"`
	FrameID       string                `json:"frame_id"`
	TakenAt       time.Time             `json:"taken_at"`
	Resolution    float64               `json:"resolution"`
	Width         int                   `json:"width"`
	Height        int                   `json:"height"`
	OccupiedCells int                   `json:"occupied_cells"`
	Grid          *mappub.OccupancyGrid `json:"grid,omitempty"`
}

// serializeCells compresses cell values using gob encoding and gzip.
func serializeCells(cells []int8) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(cells); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeCells decodes cell values from a gob+gzip blob.
func deserializeCells(blob []byte) ([]int8, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty grid blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var cells []int8
	if err := gob.NewDecoder(gz).Decode(&cells); err != nil {
		return nil, fmt.Errorf("failed to decode grid cells: %w", err)
	}
	return cells, nil
}

// SaveMap stores grid and returns its new map ID.
func (s *Store) SaveMap(grid *mappub.OccupancyGrid, label string) (string, error) {
	if len(grid.Data) != grid.Info.Width*grid.Info.Height {
		return "", fmt.Errorf("grid has %d cells, want %dx%d", len(grid.Data), grid.Info.Width, grid.Info.Height)
	}
	blob, err := serializeCells(grid.Data)
	if err != nil {
		return "", fmt.Errorf("serialize grid: %w", err)
	}
	origin, err := json.Marshal(grid.Info.Origin)
	if err != nil {
		return "", fmt.Errorf("encode origin: %w", err)
	}

	taken := grid.Header.Stamp
	if taken.IsZero() {
		taken = time.Now()
	}
	id := uuid.NewString()
	_, err = s.Exec(`
		INSERT INTO saved_maps (
			map_id, label, frame_id, taken_unix_nanos, resolution,
			width, height, origin_json, occupied_cells, grid_blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, label, grid.Header.FrameID, taken.UnixNano(), grid.Info.Resolution,
		grid.Info.Width, grid.Info.Height, string(origin), grid.OccupiedCount(), blob,
	)
	if err != nil {
		return "", fmt.Errorf("insert map: %w", err)
	}
	return id, nil
}

const selectMap = `
	SELECT map_id, label, frame_id, taken_unix_nanos, resolution,
	       width, height, origin_json, occupied_cells, grid_blob
	FROM saved_maps`

func scanMap(row *sql.Row) (*SavedMap, error) {
	var (
		m      SavedMap
		taken  int64
		origin string
		blob   []byte
	)
	err := row.Scan(&m.MapID, &m.Label, &m.FrameID, &taken, &m.Resolution,
		&m.Width, &m.Height, &origin, &m.OccupiedCells, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read map: %w", err)
	}
	m.TakenAt = time.Unix(0, taken).UTC()

	var pose geom.Pose3
	if err := json.Unmarshal([]byte(origin), &pose); err != nil {
		return nil, fmt.Errorf("decode origin of %s: %w", m.MapID, err)
	}
	cells, err := deserializeCells(blob)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", m.MapID, err)
	}
	m.Grid = &mappub.OccupancyGrid{
		Header: geom.Header{Stamp: m.TakenAt, FrameID: m.FrameID},
		Info: mappub.MapMetaData{
			MapLoadTime: m.TakenAt,
			Resolution:  m.Resolution,
			Width:       m.Width,
			Height:      m.Height,
			Origin:      pose,
		},
		Data: cells,
	}
	return &m, nil
}

// GetMap returns the map with the given ID, or ErrNotFound.
func (s *Store) GetMap(id string) (*SavedMap, error) {
	return scanMap(s.QueryRow(selectMap+` WHERE map_id = ?`, id))
}

// LatestMap returns the most recently taken map, or ErrNotFound.
func (s *Store) LatestMap() (*SavedMap, error) {
	return scanMap(s.QueryRow(selectMap + ` ORDER BY taken_unix_nanos DESC LIMIT 1`))
}

// ListMaps returns up to limit maps, newest first, without their cells.
func (s *Store) ListMaps(limit int) ([]SavedMap, error) {
	rows, err := s.Query(`
		SELECT map_id, label, frame_id, taken_unix_nanos, resolution,
		       width, height, occupied_cells
		FROM saved_maps
		ORDER BY taken_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	var out []SavedMap
	for rows.Next() {
		var (
			m     SavedMap
			taken int64
		)
		if err := rows.Scan(&m.MapID, &m.Label, &m.FrameID, &taken, &m.Resolution,
			&m.Width, &m.Height, &m.OccupiedCells); err != nil {
			return nil, fmt.Errorf("scan map row: %w", err)
		}
		m.TakenAt = time.Unix(0, taken).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMap removes a map. Deleting an unknown ID returns ErrNotFound.
func (s *Store) DeleteMap(id string) error {
	res, err := s.Exec(`DELETE FROM saved_maps WHERE map_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete map: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
