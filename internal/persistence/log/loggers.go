package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockgraph.ai/internal/sim/graph/events"
)

// segment is one hourly file <dir>/events-YYYY-MM-DD-HH.jsonl.zst. Reopening an existing
// hour appends a new zstd frame, which readers decode as one stream.
type segment struct {
	hour string
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
	je   *json.Encoder
}

func segmentPath(dir, hour string) string {
	return filepath.Join(dir, fmt.Sprintf("events-%s.jsonl.zst", hour))
}

func openSegment(dir, hour string) (*segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(segmentPath(dir, hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	bw := bufio.NewWriterSize(zw, 64*1024)
	return &segment{hour: hour, f: f, zw: zw, bw: bw, je: json.NewEncoder(bw)}, nil
}

func (s *segment) append(rec events.Record) error {
	if err := s.je.Encode(rec); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	// ends a zstd block so a tailing reader sees the record
	return s.zw.Flush()
}

func (s *segment) close() error {
	ferr := s.bw.Flush()
	zerr := s.zw.Close()
	cerr := s.f.Close()
	for _, err := range []error{ferr, zerr, cerr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// EventLogger writes the graph change stream of every world it listens to as JSON records,
// one hourly segment at a time.
type EventLogger struct {
	dir    string
	enc    events.Encoder
	logger *stdlog.Logger
	now    func() time.Time

	mu      sync.Mutex
	seg     *segment
	written uint64
}

// NewEventLogger logs to <dir>/events. enc is normally the universe's policy.Registry.
func NewEventLogger(dir string, enc events.Encoder, logger *stdlog.Logger) *EventLogger {
	if logger == nil {
		logger = stdlog.New(io.Discard, "", 0)
	}
	return &EventLogger{dir: filepath.Join(dir, "events"), enc: enc, logger: logger, now: time.Now}
}

func (l *EventLogger) HandleGraphEvent(ev events.Event) {
	rec, err := events.ToRecord(ev, l.enc)
	if err != nil {
		l.logger.Printf("event log: seq %d (%s): %v", ev.Seq, ev.Kind, err)
		return
	}
	if err := l.Append(rec); err != nil {
		l.logger.Printf("event log: write seq %d: %v", ev.Seq, err)
	}
}

// Append writes rec to the segment of the current hour.
func (l *EventLogger) Append(rec events.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hour := l.now().UTC().Format("2006-01-02-15")
	if l.seg == nil || l.seg.hour != hour {
		if l.seg != nil {
			if err := l.seg.close(); err != nil {
				l.logger.Printf("event log: close %s: %v", l.seg.hour, err)
			}
			l.seg = nil
		}
		seg, err := openSegment(l.dir, hour)
		if err != nil {
			return err
		}
		l.seg = seg
	}
	if err := l.seg.append(rec); err != nil {
		return err
	}
	l.written++
	return nil
}

// Written reports how many records this logger has appended.
func (l *EventLogger) Written() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

func (l *EventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seg == nil {
		return nil
	}
	err := l.seg.close()
	l.seg = nil
	return err
}
