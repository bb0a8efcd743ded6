package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical localizer defaults file.
const DefaultConfigPath = "config/localizer.defaults.json"

// LocalizerConfig is the node configuration. Every field is optional; the
// Get* methods supply defaults for fields left out of the file.
type LocalizerConfig struct {
	// Grid
	MapResolution        *float64 `json:"map_resolution,omitempty"`
	MapSize              *int     `json:"map_size,omitempty"`
	MapStartX            *float64 `json:"map_start_x,omitempty"`
	MapStartY            *float64 `json:"map_start_y,omitempty"`
	MapMultiResLevels    *int     `json:"map_multi_res_levels,omitempty"`
	UpdateFactorFree     *float64 `json:"update_factor_free,omitempty"`
	UpdateFactorOccupied *float64 `json:"update_factor_occupied,omitempty"`
	MapUpdateDistThresh  *float64 `json:"map_update_distance_thresh,omitempty"`
	MapUpdateAngleThresh *float64 `json:"map_update_angle_thresh,omitempty"`

	// Frames
	BaseFrame      *string `json:"base_frame,omitempty"`
	MapFrame       *string `json:"map_frame,omitempty"`
	OdomFrame      *string `json:"odom_frame,omitempty"`
	ScanMatchFrame *string `json:"tf_map_scanmatch_transform_frame_name,omitempty"`

	// Behaviour
	UseTFScanTransformation  *bool   `json:"use_tf_scan_transformation,omitempty"`
	UseTFPoseStartEstimate   *bool   `json:"use_tf_pose_start_estimate,omitempty"`
	MapWithKnownPoses        *bool   `json:"map_with_known_poses,omitempty"`
	PubMapOdomTransform      *bool   `json:"pub_map_odom_transform,omitempty"`
	PubMapScanMatchTransform *bool   `json:"pub_map_scanmatch_transform,omitempty"`
	PubOdometry              *bool   `json:"pub_odometry,omitempty"`
	MapPubPeriod             *string `json:"map_pub_period,omitempty"`    // duration string like "2s"
	TransformTimeout         *string `json:"transform_timeout,omitempty"` // duration string like "500ms"
	OutputTiming             *bool   `json:"output_timing,omitempty"`

	// Scan filter
	LaserMinDist   *float64 `json:"laser_min_dist,omitempty"`
	LaserMaxDist   *float64 `json:"laser_max_dist,omitempty"`
	LaserZMinValue *float64 `json:"laser_z_min_value,omitempty"`
	LaserZMaxValue *float64 `json:"laser_z_max_value,omitempty"`

	// Relocalization
	RelocalizationRounds        *int     `json:"relocalization_rounds,omitempty"`
	RelocalizationSeedDistance  *float64 `json:"relocalization_seed_distance,omitempty"`
	RelocalizationMaxIterations *int     `json:"relocalization_max_iterations,omitempty"`
	ICPTransformationEpsilon    *float64 `json:"icp_transformation_epsilon,omitempty"`
	ICPFitnessEpsilon           *float64 `json:"icp_fitness_epsilon,omitempty"`
}

func orDefault[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func durationOrDefault(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// LoadLocalizerConfig loads a LocalizerConfig from a JSON file. Fields
// omitted from the file keep their defaults.
func LoadLocalizerConfig(path string) (*LocalizerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &LocalizerConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// a parent. Panics if the file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *LocalizerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadLocalizerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values are usable.
func (c *LocalizerConfig) Validate() error {
	if c.MapResolution != nil && *c.MapResolution <= 0 {
		return fmt.Errorf("map_resolution must be positive, got %f", *c.MapResolution)
	}
	if c.MapSize != nil && *c.MapSize <= 0 {
		return fmt.Errorf("map_size must be positive, got %d", *c.MapSize)
	}
	for name, v := range map[string]*float64{"map_start_x": c.MapStartX, "map_start_y": c.MapStartY} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}
	if c.MapMultiResLevels != nil && *c.MapMultiResLevels < 1 {
		return fmt.Errorf("map_multi_res_levels must be at least 1, got %d", *c.MapMultiResLevels)
	}
	for name, v := range map[string]*float64{"update_factor_free": c.UpdateFactorFree, "update_factor_occupied": c.UpdateFactorOccupied} {
		if v != nil && (*v <= 0 || *v >= 1) {
			return fmt.Errorf("%s must be between 0 and 1 exclusive, got %f", name, *v)
		}
	}
	for name, v := range map[string]*string{"map_pub_period": c.MapPubPeriod, "transform_timeout": c.TransformTimeout} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	if c.GetLaserMinDist() >= c.GetLaserMaxDist() {
		return fmt.Errorf("laser_min_dist %f must be below laser_max_dist %f", c.GetLaserMinDist(), c.GetLaserMaxDist())
	}
	if c.GetLaserZMinValue() >= c.GetLaserZMaxValue() {
		return fmt.Errorf("laser_z_min_value %f must be below laser_z_max_value %f", c.GetLaserZMinValue(), c.GetLaserZMaxValue())
	}
	if c.RelocalizationRounds != nil && *c.RelocalizationRounds < 0 {
		return fmt.Errorf("relocalization_rounds must be non-negative, got %d", *c.RelocalizationRounds)
	}
	if c.RelocalizationSeedDistance != nil && *c.RelocalizationSeedDistance <= 0 {
		return fmt.Errorf("relocalization_seed_distance must be positive, got %f", *c.RelocalizationSeedDistance)
	}
	if c.RelocalizationMaxIterations != nil && *c.RelocalizationMaxIterations < 1 {
		return fmt.Errorf("relocalization_max_iterations must be at least 1, got %d", *c.RelocalizationMaxIterations)
	}
	return nil
}

func (c *LocalizerConfig) GetMapResolution() float64    { return orDefault(c.MapResolution, 0.025) }
func (c *LocalizerConfig) GetMapSize() int              { return orDefault(c.MapSize, 1024) }
func (c *LocalizerConfig) GetMapStartX() float64        { return orDefault(c.MapStartX, 0.5) }
func (c *LocalizerConfig) GetMapStartY() float64        { return orDefault(c.MapStartY, 0.5) }
func (c *LocalizerConfig) GetMapMultiResLevels() int    { return orDefault(c.MapMultiResLevels, 3) }
func (c *LocalizerConfig) GetUpdateFactorFree() float64 { return orDefault(c.UpdateFactorFree, 0.4) }

func (c *LocalizerConfig) GetUpdateFactorOccupied() float64 {
	return orDefault(c.UpdateFactorOccupied, 0.9)
}

func (c *LocalizerConfig) GetMapUpdateDistThresh() float64 {
	return orDefault(c.MapUpdateDistThresh, 0.4)
}

func (c *LocalizerConfig) GetMapUpdateAngleThresh() float64 {
	return orDefault(c.MapUpdateAngleThresh, 0.9)
}

func (c *LocalizerConfig) GetBaseFrame() string { return orDefault(c.BaseFrame, "base_link") }
func (c *LocalizerConfig) GetMapFrame() string  { return orDefault(c.MapFrame, "map") }
func (c *LocalizerConfig) GetOdomFrame() string { return orDefault(c.OdomFrame, "odom") }

func (c *LocalizerConfig) GetScanMatchFrame() string {
	return orDefault(c.ScanMatchFrame, "scanmatcher_frame")
}

func (c *LocalizerConfig) GetUseTFScanTransformation() bool {
	return orDefault(c.UseTFScanTransformation, true)
}

func (c *LocalizerConfig) GetUseTFPoseStartEstimate() bool {
	return orDefault(c.UseTFPoseStartEstimate, false)
}

func (c *LocalizerConfig) GetPubMapOdomTransform() bool {
	return orDefault(c.PubMapOdomTransform, true)
}

func (c *LocalizerConfig) GetPubMapScanMatchTransform() bool {
	return orDefault(c.PubMapScanMatchTransform, true)
}

func (c *LocalizerConfig) GetMapWithKnownPoses() bool { return orDefault(c.MapWithKnownPoses, false) }
func (c *LocalizerConfig) GetOutputTiming() bool      { return orDefault(c.OutputTiming, false) }
func (c *LocalizerConfig) GetPubOdometry() bool       { return orDefault(c.PubOdometry, false) }

// GetMapPubPeriod returns the map publication period.
func (c *LocalizerConfig) GetMapPubPeriod() time.Duration {
	return durationOrDefault(c.MapPubPeriod, 2*time.Second)
}

// GetTransformTimeout returns the bound on every transform wait.
func (c *LocalizerConfig) GetTransformTimeout() time.Duration {
	return durationOrDefault(c.TransformTimeout, 500*time.Millisecond)
}

func (c *LocalizerConfig) GetLaserMinDist() float64   { return orDefault(c.LaserMinDist, 0.4) }
func (c *LocalizerConfig) GetLaserMaxDist() float64   { return orDefault(c.LaserMaxDist, 30.0) }
func (c *LocalizerConfig) GetLaserZMinValue() float64 { return orDefault(c.LaserZMinValue, -1.0) }
func (c *LocalizerConfig) GetLaserZMaxValue() float64 { return orDefault(c.LaserZMaxValue, 1.0) }

func (c *LocalizerConfig) GetRelocalizationRounds() int {
	return orDefault(c.RelocalizationRounds, 200)
}

func (c *LocalizerConfig) GetRelocalizationSeedDistance() float64 {
	return orDefault(c.RelocalizationSeedDistance, 400.0)
}

func (c *LocalizerConfig) GetRelocalizationMaxIterations() int {
	return orDefault(c.RelocalizationMaxIterations, 100)
}

func (c *LocalizerConfig) GetICPTransformationEpsilon() float64 {
	return orDefault(c.ICPTransformationEpsilon, 1e-8)
}

func (c *LocalizerConfig) GetICPFitnessEpsilon() float64 {
	return orDefault(c.ICPFitnessEpsilon, 0.005)
}
