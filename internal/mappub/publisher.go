package mappub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/slam"
	"github.com/banshee-data/scanloc/internal/timeutil"
)

var logf = monitoring.Tagged("MapPublisher")

// ErrUnknownLevel is returned for a level the grid source does not have.
var ErrUnknownLevel = errors.New("unknown map level")

// MapSink receives published snapshots.
type MapSink interface {
	PublishMap(level int, grid *OccupancyGrid)
	PublishMetadata(level int, info MapMetaData)
}

// GridSource exposes the live grid levels and their locks. slam.Engine
// satisfies it.
type GridSource interface {
	GridMap(level int) slam.GridView
	MapLocker(level int) slam.MapLocker
}

type levelState struct {
	msg       OccupancyGrid
	lastIndex int
	published bool
	rebuilds  int
}

// Publisher builds and publishes OccupancyGrid snapshots. Cell arrays are
// rebuilt only when the level's update index has moved; a rebuilt array is
// freshly allocated so snapshots handed out earlier stay immutable.
type Publisher struct {
	src     GridSource
	frameID string
	sink    MapSink
	clock   timeutil.Clock

	loaded time.Time

	mu     sync.Mutex
	levels map[int]*levelState
}

// NewPublisher creates a Publisher stamping snapshots in frameID. sink may
// be nil.
func NewPublisher(src GridSource, frameID string, sink MapSink, clock timeutil.Clock) *Publisher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Publisher{
		src:     src,
		frameID: frameID,
		sink:    sink,
		clock:   clock,
		loaded:  clock.Now(),
		levels:  make(map[int]*levelState),
	}
}

// Init publishes level 0 metadata once.
func (p *Publisher) Init() error {
	g := p.src.GridMap(0)
	if g == nil {
		return fmt.Errorf("level 0: %w", ErrUnknownLevel)
	}
	info := metadataFor(g, p.loaded)
	if p.sink != nil {
		p.sink.PublishMetadata(0, info)
	}
	logf("map metadata %dx%d at %.3f m/cell", info.Width, info.Height, info.Resolution)
	return nil
}

// PublishIfChanged refreshes the snapshot of level, rebuilding its cells only
// when the grid changed. The returned grid shares its Data with the cached
// snapshot and must not be modified.
func (p *Publisher) PublishIfChanged(level int, stamp time.Time) (OccupancyGrid, bool, error) {
	g := p.src.GridMap(level)
	locker := p.src.MapLocker(level)
	if g == nil || locker == nil {
		return OccupancyGrid{}, false, fmt.Errorf("level %d: %w", level, ErrUnknownLevel)
	}

	index := g.UpdateIndex()
	p.mu.Lock()
	st, ok := p.levels[level]
	if !ok {
		st = &levelState{}
		p.levels[level] = st
	}
	rebuilt := !st.published || index != st.lastIndex
	p.mu.Unlock()

	var data []int8
	if rebuilt {
		data = classify(g, locker)
	}

	p.mu.Lock()
	// A concurrent call may already have stored this index.
	if rebuilt && (!st.published || index != st.lastIndex) {
		st.msg.Data = data
		st.lastIndex = index
		st.published = true
		st.rebuilds++
	} else {
		rebuilt = false
	}
	st.msg.Header.Stamp = stamp
	st.msg.Header.FrameID = p.frameID
	st.msg.Info = metadataFor(g, p.loaded)
	msg := st.msg
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.PublishMap(level, &msg)
	}
	return msg, rebuilt, nil
}

// classify fills a new cell array, holding the map lock only while reading
// the grid.
func classify(g slam.GridView, locker slam.MapLocker) []int8 {
	n := g.SizeX() * g.SizeY()
	data := make([]int8, n)
	for i := range data {
		data[i] = CellUnknown
	}

	unlock := locker.LockMap()
	defer unlock()
	for i := 0; i < n; i++ {
		if g.IsFree(i) {
			data[i] = CellFree
		} else if g.IsOccupied(i) {
			data[i] = CellOccupied
		}
	}
	return data
}

// Latest returns the most recent snapshot of level.
func (p *Publisher) Latest(level int) (OccupancyGrid, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.levels[level]
	if !ok || !st.published {
		return OccupancyGrid{}, false
	}
	return st.msg, true
}

// Rebuilds reports how many times level's cell array has been rebuilt.
func (p *Publisher) Rebuilds(level int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.levels[level]; ok {
		return st.rebuilds
	}
	return 0
}

// Run publishes the given levels immediately and then once per period until
// ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, period time.Duration, levels ...int) {
	if len(levels) == 0 {
		levels = []int{0}
	}
	publish := func() {
		now := p.clock.Now()
		for _, level := range levels {
			if _, _, err := p.PublishIfChanged(level, now); err != nil {
				logf("publish level %d: %v", level, err)
			}
		}
	}

	publish()
	ticker := p.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			publish()
		}
	}
}
