package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/scanloc/internal/config"
	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/mappub"
	"github.com/banshee-data/scanloc/internal/mapstore"
	"github.com/banshee-data/scanloc/internal/monitor"
	"github.com/banshee-data/scanloc/internal/registration"
	"github.com/banshee-data/scanloc/internal/relocalize"
	"github.com/banshee-data/scanloc/internal/scanfeed"
	"github.com/banshee-data/scanloc/internal/scanfilter"
	"github.com/banshee-data/scanloc/internal/slam"
	"github.com/banshee-data/scanloc/internal/tf"
	"github.com/banshee-data/scanloc/internal/timeutil"
	"github.com/banshee-data/scanloc/internal/tracking"
	"github.com/banshee-data/scanloc/internal/version"
)

var (
	configPath     = flag.String("config", config.DefaultConfigPath, "Path to the localizer JSON config")
	listen         = flag.String("listen", ":8081", "HTTP listen address")
	grpcListen     = flag.String("grpc-listen", "", "gRPC health listen address (disabled when empty)")
	dbPath         = flag.String("db", "localizer.db", "Path to the saved map database")
	serialPort     = flag.String("port", "", "Serial device delivering JSON scans")
	baudRate       = flag.Int("baud", scanfeed.DefaultBaudRate, "Serial baud rate")
	replayPath     = flag.String("replay", "", "Replay JSON scans from this file instead of a serial device")
	replayInterval = flag.Duration("replay-interval", 0, "Minimum time between replayed scans")
	laserFrame     = flag.String("laser-frame", "laser", "Frame of the laser scans when not given in the scan header")
	laserX         = flag.Float64("laser-x", 0, "Laser mount x offset in the base frame (m)")
	laserY         = flag.Float64("laser-y", 0, "Laser mount y offset in the base frame (m)")
	laserYaw       = flag.Float64("laser-yaw", 0, "Laser mount yaw in the base frame (rad)")
	loadMap        = flag.String("load-map", "", `Saved map to load at startup: a map ID or "latest"`)
	showVersion    = flag.Bool("version", false, "Print the version and exit")
)

// mapperConfig builds the bundled engine's grid settings.
func mapperConfig(cfg *config.LocalizerConfig) slam.MapperConfig {
	mc := slam.DefaultMapperConfig()
	mc.Resolution = cfg.GetMapResolution()
	mc.SizeX = cfg.GetMapSize()
	mc.SizeY = cfg.GetMapSize()
	mc.Start = geom.Point2{X: cfg.GetMapStartX(), Y: cfg.GetMapStartY()}
	mc.Levels = cfg.GetMapMultiResLevels()
	mc.ProbFree = cfg.GetUpdateFactorFree()
	mc.ProbOccupied = cfg.GetUpdateFactorOccupied()
	mc.UpdateDistanceThreshold = cfg.GetMapUpdateDistThresh()
	mc.UpdateAngleThreshold = cfg.GetMapUpdateAngleThresh()
	return mc
}

// trackerConfig maps the file config onto the tracker.
func trackerConfig(cfg *config.LocalizerConfig) tracking.Config {
	tc := tracking.DefaultConfig()
	tc.BaseFrame = cfg.GetBaseFrame()
	tc.MapFrame = cfg.GetMapFrame()
	tc.OdomFrame = cfg.GetOdomFrame()
	tc.ScanMatchFrame = cfg.GetScanMatchFrame()
	tc.UseTFScanTransformation = cfg.GetUseTFScanTransformation()
	tc.UseTFPoseStartEstimate = cfg.GetUseTFPoseStartEstimate()
	tc.MapWithKnownPoses = cfg.GetMapWithKnownPoses()
	tc.PubMapOdomTransform = cfg.GetPubMapOdomTransform()
	tc.PubMapScanMatchFrame = cfg.GetPubMapScanMatchTransform()
	tc.PubOdometry = cfg.GetPubOdometry()
	tc.TransformTimeout = cfg.GetTransformTimeout()
	tc.CloudLimits = scanfilter.LimitsFromRanges(cfg.GetLaserMinDist(), cfg.GetLaserMaxDist(),
		cfg.GetLaserZMinValue(), cfg.GetLaserZMaxValue())
	tc.OutputTiming = cfg.GetOutputTiming()
	tc.Relocalization = relocalize.Config{
		Rounds:           cfg.GetRelocalizationRounds(),
		SeedDistance:     cfg.GetRelocalizationSeedDistance(),
		MaxIterations:    cfg.GetRelocalizationMaxIterations(),
		BaseFrame:        tc.BaseFrame,
		TransformTimeout: tc.TransformTimeout,
	}
	return tc
}

// laserMount is the static base to laser transform given on the command line.
func laserMount(baseFrame, laser string, x, y, yaw float64) tf.Stamped {
	return tf.Stamped{
		Parent:    baseFrame,
		Child:     laser,
		Transform: geom.FromPose2D(geom.NewPose2D(x, y, yaw)),
	}
}

// withFrame fills in the laser frame of scans that arrive without one.
func withFrame(ctx context.Context, in <-chan *scanfilter.LaserScan, frame string) <-chan *scanfilter.LaserScan {
	out := make(chan *scanfilter.LaserScan)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-in:
				if !ok {
					return
				}
				if s.Header.FrameID == "" {
					c := *s
					c.Header.FrameID = frame
					s = &c
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func openFeed() (*scanfeed.Feed, error) {
	if *replayPath != "" {
		return scanfeed.NewReplayFeed(*replayPath, *replayInterval)
	}
	if *serialPort == "" {
		return nil, errors.New("one of -port or -replay is required")
	}
	return scanfeed.NewSerialFeed(*serialPort, scanfeed.PortOptions{BaudRate: *baudRate})
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("localizer", version.String())
		return
	}
	log.Printf("localizer %s", version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadLocalizerConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := mapstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open map store: %v", err)
	}
	defer store.Close()

	feed, err := openFeed()
	if err != nil {
		log.Fatalf("failed to open scan feed: %v", err)
	}
	defer feed.Close()

	mapper, err := slam.NewMapper(mapperConfig(cfg))
	if err != nil {
		log.Fatalf("failed to create mapper: %v", err)
	}

	clock := timeutil.RealClock{}
	tc := trackerConfig(cfg)
	buffer := tf.NewBuffer()
	buffer.SetTransform(laserMount(tc.BaseFrame, *laserFrame, *laserX, *laserY, *laserYaw), true)

	state := monitor.NewState(clock, store)
	publisher := mappub.NewPublisher(mapper, tc.MapFrame, state, clock)
	if err := publisher.Init(); err != nil {
		log.Fatalf("failed to initialise map publisher: %v", err)
	}

	tracker := tracking.NewTracker(tc, tracking.Deps{
		Engine:      mapper,
		Lookup:      buffer,
		Broadcaster: buffer,
		Registrar: &registration.ICP{
			TransformationEpsilon: cfg.GetICPTransformationEpsilon(),
			FitnessEpsilon:        cfg.GetICPFitnessEpsilon(),
		},
		Poses:       state,
		Odometry:    state,
		Diagnostics: state,
		Maps:        publisher,
		Clock:       clock,
	})

	if *loadMap != "" {
		var saved *mapstore.SavedMap
		if *loadMap == "latest" {
			saved, err = store.LatestMap()
		} else {
			saved, err = store.GetMap(*loadMap)
		}
		if err != nil {
			log.Fatalf("failed to fetch map %q: %v", *loadMap, err)
		}
		if err := tracker.LoadMap(saved.Grid, geom.Pose3{Orientation: geom.Quaternion{W: 1}}); err != nil {
			log.Fatalf("failed to load map %s: %v", saved.MapID, err)
		}
		state.SetActiveMap(saved.MapID)
		log.Printf("loaded map %s (%q)", saved.MapID, saved.Label)
	}

	// subscribe before the feed starts so replayed scans are not lost
	id, scans := feed.Subscribe()
	defer feed.Unsubscribe(id)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// read scans from the feed
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feed.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor scan feed: %v", err)
		} else if err == nil {
			log.Print("scan feed reached end of input")
		}
		log.Print("scan feed routine terminated")
	}()

	// run the per-scan tracking cycle
	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(ctx, withFrame(ctx, scans, *laserFrame))
		log.Print("tracking routine terminated")
	}()

	// publish every map level on the configured period
	wg.Add(1)
	go func() {
		defer wg.Done()
		levels := make([]int, mapper.Levels())
		for i := range levels {
			levels[i] = i
		}
		publisher.Run(ctx, cfg.GetMapPubPeriod(), levels...)
		log.Print("map publication routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:    *listen,
			State:      state,
			Maps:       publisher,
			Controller: tracker,
			Archive:    store,
			AttachRoutes: func(mux *http.ServeMux) {
				store.AttachAdminRoutes(mux)
				feed.AttachAdminRoutes(mux)
			},
		})
		if err := ws.Start(ctx); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	if *grpcListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := monitor.ServeHealth(ctx, *grpcListen, state); err != nil {
				log.Printf("gRPC health server error: %v", err)
			}
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
