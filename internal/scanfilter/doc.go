// Package scanfilter converts raw range readings and point clouds into the
// filtered, sensor-independent point sets handed to the mapping engine.
//
// Two entry points mirror the two ways a scan reaches the engine: a plain
// range/bearing reading kept in the sensor frame (FilterLaserScan), or a
// projected point cloud moved into the base frame with the sensor's mounting
// transform (FilterPointCloud). Both scale accepted points into the engine's
// map units. An empty result is not an error; callers skip the update.
package scanfilter
