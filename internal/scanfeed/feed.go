// Package scanfeed reads line-delimited JSON laser scans from a serial port
// or a replay file and fans them out to subscribers.
package scanfeed

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"tailscale.com/tsweb"

	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/scanfilter"
	"github.com/banshee-data/scanloc/internal/timeutil"
)

var logf = monitoring.Tagged("ScanFeed")

// maxLineBytes bounds a single encoded scan.
const maxLineBytes = 4 * 1024 * 1024

// Port is the byte stream scans are read from.
type Port interface {
	io.Reader
	io.Closer
}

// openSerial opens a serial device. Tests replace it.
var openSerial = func(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Stats counts what a feed has read.
type Stats struct {
	Lines        int64 `json:"lines"`
	Scans        int64 `json:"scans"`
	DecodeErrors int64 `json:"decode_errors"`
	Dropped      int64 `json:"dropped"`
}

// Feed decodes scans from a port and delivers them to subscribers.
// Subscribers share each decoded scan and must not modify it.
type Feed struct {
	port     Port
	blocking bool
	interval time.Duration
	clock    timeutil.Clock

	subscribers  map[string]chan *scanfilter.LaserScan
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	lines        atomic.Int64
	scans        atomic.Int64
	decodeErrors atomic.Int64
	dropped      atomic.Int64
}

// NewFeed creates a live feed over port. Scans are dropped for subscribers
// that are not ready to receive.
func NewFeed(port Port) *Feed {
	return &Feed{
		port:        port,
		clock:       timeutil.RealClock{},
		subscribers: make(map[string]chan *scanfilter.LaserScan),
	}
}

// NewSerialFeed opens the serial device at path.
func NewSerialFeed(path string, opts PortOptions) (*Feed, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := openSerial(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewFeed(port), nil
}

// NewReplayFeed replays a recorded file. Delivery blocks until every
// subscriber has taken each scan, and consecutive scans are at least
// interval apart.
func NewReplayFeed(path string, interval time.Duration) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	feed := NewFeed(f)
	feed.blocking = true
	feed.interval = interval
	return feed, nil
}

// randomID generates a random subscriber ID.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel of decoded scans and its ID for Unsubscribe.
func (f *Feed) Subscribe() (string, <-chan *scanfilter.LaserScan) {
	id := randomID()
	ch := make(chan *scanfilter.LaserScan, 1)
	f.subscriberMu.Lock()
	defer f.subscriberMu.Unlock()
	f.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (f *Feed) Unsubscribe(id string) {
	f.subscriberMu.Lock()
	defer f.subscriberMu.Unlock()
	if ch, ok := f.subscribers[id]; ok {
		close(ch)
		delete(f.subscribers, id)
	}
}

// Stats returns the feed counters.
func (f *Feed) Stats() Stats {
	return Stats{
		Lines:        f.lines.Load(),
		Scans:        f.scans.Load(),
		DecodeErrors: f.decodeErrors.Load(),
		Dropped:      f.dropped.Load(),
	}
}

// decode parses one line. Blank lines and lines starting with '#' yield nil.
func decode(line []byte) (*scanfilter.LaserScan, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return nil, nil
	}
	var scan scanfilter.LaserScan
	if err := json.Unmarshal(line, &scan); err != nil {
		return nil, err
	}
	if scan.AngleIncrement == 0 && len(scan.Ranges) > 1 {
		return nil, fmt.Errorf("scan with %d ranges has zero angle increment", len(scan.Ranges))
	}
	return &scan, nil
}

// Monitor reads the port until EOF or ctx is cancelled, delivering each
// decoded scan to the current subscribers. It returns nil at EOF.
func (f *Feed) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(f.port)
	scan.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
				}
				return nil
			}
			if f.isClosing() {
				return nil
			}
			f.lines.Add(1)

			s, err := decode(line)
			if err != nil {
				f.decodeErrors.Add(1)
				logf("skipping undecodable line %d: %v", f.lines.Load(), err)
				continue
			}
			if s == nil {
				continue
			}
			f.scans.Add(1)

			if f.interval > 0 && !last.IsZero() {
				if wait := f.interval - f.clock.Since(last); wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			last = f.clock.Now()

			if err := f.deliver(ctx, s); err != nil {
				return err
			}
		}
	}
}

func (f *Feed) isClosing() bool {
	f.closingMu.Lock()
	defer f.closingMu.Unlock()
	return f.closing
}

// deliver hands s to every subscriber.
func (f *Feed) deliver(ctx context.Context, s *scanfilter.LaserScan) error {
	f.subscriberMu.Lock()
	defer f.subscriberMu.Unlock()
	for _, ch := range f.subscribers {
		if f.blocking {
			select {
			case ch <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case ch <- s:
		default:
			f.dropped.Add(1)
		}
	}
	return nil
}

// Close closes all subscriber channels and the port.
func (f *Feed) Close() error {
	f.closingMu.Lock()
	f.closing = true
	f.closingMu.Unlock()

	f.subscriberMu.Lock()
	defer f.subscriberMu.Unlock()
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
	return f.port.Close()
}

// AttachAdminRoutes serves the feed counters at /debug/scanfeed.
func (f *Feed) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("scanfeed", "Scan feed counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.Stats())
	})
}
