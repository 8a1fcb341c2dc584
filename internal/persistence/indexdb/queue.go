package indexdb

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"blockgraph.ai/internal/sim/graph/events"
)

const (
	queueCapacity = 65536
	commitEvery   = 1000
	commitMaxWait = 500 * time.Millisecond
)

type req struct {
	rec   events.Record
	flush chan struct{}
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropTotal      uint64
	WriteFailTotal uint64
	EncodeFail     uint64
}

// queue is the single-writer front both backends share: events are converted on the tick
// goroutine, queued without blocking and written in batches by run.
type queue struct {
	enc    events.Encoder
	logger *log.Logger
	ch     chan req

	closed atomic.Bool

	dropTotal      atomic.Uint64
	writeFailTotal atomic.Uint64
	encodeFail     atomic.Uint64
}

// HandleGraphEvent queues ev for indexing. It never blocks; events are dropped when the
// writer falls behind, the JSONL event log stays the source of truth.
func (q *queue) HandleGraphEvent(ev events.Event) {
	if q.closed.Load() {
		return
	}
	rec, err := events.ToRecord(ev, q.enc)
	if err != nil {
		q.encodeFail.Add(1)
		q.logger.Printf("index: seq %d (%s): %v", ev.Seq, ev.Kind, err)
		return
	}
	q.Record(rec)
}

// Record queues an already converted record.
func (q *queue) Record(rec events.Record) {
	if q.closed.Load() {
		return
	}
	select {
	case q.ch <- req{rec: rec}:
	default:
		q.dropTotal.Add(1)
	}
}

// Flush waits until everything queued so far is committed.
func (q *queue) Flush(ctx context.Context) error {
	if q.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case q.ch <- req{flush: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) Stats() Stats {
	return Stats{
		QueueDepth:     len(q.ch),
		QueueCapacity:  cap(q.ch),
		DropTotal:      q.dropTotal.Load(),
		WriteFailTotal: q.writeFailTotal.Load(),
		EncodeFail:     q.encodeFail.Load(),
	}
}

// run drains the queue until it is closed, handing write one batch per transaction. A
// failed batch is counted and dropped.
func (q *queue) run(write func(ctx context.Context, recs []events.Record) error) {
	ctx := context.Background()
	var pending []events.Record
	lastCommit := time.Now()

	commit := func() {
		lastCommit = time.Now()
		if len(pending) == 0 {
			return
		}
		if err := write(ctx, pending); err != nil {
			q.writeFailTotal.Add(1)
			q.logger.Printf("index: batch of %d (seq %d..%d): %v", len(pending), pending[0].Seq, pending[len(pending)-1].Seq, err)
		}
		pending = pending[:0]
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-q.ch:
			if !ok {
				commit()
				return
			}
			if r.flush != nil {
				commit()
				close(r.flush)
				continue
			}
			pending = append(pending, r.rec)
			if len(pending) >= commitEvery {
				commit()
			}
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}
