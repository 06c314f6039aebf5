package eventstore

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/event"
)

const (
	// maxSeqMisses is how many consecutive missing sequences the walk
	// tolerates before declaring a gap.
	maxSeqMisses = 50

	fetchBuffer = 64
)

// Filter narrows a fetch. Zero values mean unfiltered.
type Filter struct {
	Kinds  []event.Kind
	Agents []string
	Max    int
}

type filterSet struct {
	kinds  map[event.Kind]struct{}
	agents map[string]struct{}
	max    int
}

func (f Filter) compile() filterSet {
	s := filterSet{max: f.Max}
	if len(f.Kinds) > 0 {
		s.kinds = make(map[event.Kind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			s.kinds[k] = struct{}{}
		}
	}
	if len(f.Agents) > 0 {
		s.agents = make(map[string]struct{}, len(f.Agents))
		for _, a := range f.Agents {
			s.agents[a] = struct{}{}
		}
	}
	return s
}

func (s filterSet) match(ev *event.Event) bool {
	if s.kinds != nil {
		if _, ok := s.kinds[ev.Kind]; !ok {
			return false
		}
	}
	if s.agents != nil {
		if _, ok := s.agents[ev.Agent]; !ok {
			return false
		}
	}
	return true
}

// Iter is a lazy sequence of normalized events. Drain Events; once the
// channel is closed, Err reports why the sequence ended early (nil for a
// complete scan — a short stream is not an error, the events delivered
// before the cut are valid).
type Iter struct {
	ch  chan event.Event
	err error
}

// Events is the event channel. It is closed when the scan ends.
func (it *Iter) Events() <-chan event.Event { return it.ch }

// Err is valid only after Events is closed.
func (it *Iter) Err() error { return it.err }

// Fetcher pulls normalized events for a time range out of a Stream.
type Fetcher struct {
	stream Stream
	bulk   BulkReader
	logger *zap.Logger
}

// NewFetcher creates a fetcher. When stream also implements BulkReader,
// consumer replay is used as fallback for streams without per-sequence
// access.
func NewFetcher(stream Stream, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{stream: stream, logger: logger}
	if br, ok := stream.(BulkReader); ok {
		f.bulk = br
	}
	return f
}

// Fetch streams normalized events with TS in [startMs, endMs), in
// sequence order, applying filter. The scan runs in the background; cancel
// ctx to abandon it.
func (f *Fetcher) Fetch(ctx context.Context, startMs, endMs int64, filter Filter) *Iter {
	it := &Iter{ch: make(chan event.Event, fetchBuffer)}
	go f.run(ctx, startMs, endMs, filter.compile(), it)
	return it
}

func (f *Fetcher) run(ctx context.Context, startMs, endMs int64, filter filterSet, it *Iter) {
	defer close(it.ch)

	if endMs <= startMs {
		return
	}

	first, last, count, err := f.stream.Info(ctx)
	if err != nil {
		it.err = err
		f.logger.Warn("failed to read event stream info", zap.Error(err))
		return
	}
	if count == 0 || last < first {
		return
	}

	// One probe read decides between seek-and-walk and consumer replay.
	if _, err := f.stream.Get(ctx, first); err != nil && !errors.Is(err, ErrNotFound) {
		if f.bulk != nil {
			f.logger.Warn("per-sequence access unavailable, replaying through a consumer", zap.Error(err))
			f.runBulk(ctx, first, startMs, endMs, filter, it)
			return
		}
		it.err = err
		f.logger.Warn("event fetch aborted", zap.Error(err))
		return
	}

	start := f.seekStart(ctx, first, last, startMs)
	f.walk(ctx, start, last, startMs, endMs, filter, it)
}

// seekStart binary-searches [first,last] for the earliest sequence whose
// event timestamp is at or past startMs. A sequence that cannot be read
// or timestamped counts as before the target.
func (f *Fetcher) seekStart(ctx context.Context, first, last uint64, startMs int64) uint64 {
	lo, hi := first, last
	for lo < hi {
		mid := lo + (hi-lo)/2
		ts, ok := f.tsAt(ctx, mid)
		if !ok || ts < startMs {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (f *Fetcher) tsAt(ctx context.Context, seq uint64) (int64, bool) {
	raw, err := f.stream.Get(ctx, seq)
	if err != nil {
		return 0, false
	}
	if ev, ok := decodeEvent(raw); ok {
		return ev.TS, true
	}
	// Unknown payloads still order by broker receive time.
	if !raw.Time.IsZero() {
		return raw.Time.UnixMilli(), true
	}
	return 0, false
}

func (f *Fetcher) walk(ctx context.Context, start, last uint64, startMs, endMs int64, filter filterSet, it *Iter) {
	misses := 0
	produced := 0
	for seq := start; seq <= last; seq++ {
		if err := ctx.Err(); err != nil {
			it.err = err
			return
		}
		raw, err := f.stream.Get(ctx, seq)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				misses++
				if misses > maxSeqMisses {
					it.err = ErrStreamGap
					f.logger.Warn("sequence gap exceeded tolerance, stopping scan",
						zap.Uint64("seq", seq),
						zap.Int("misses", misses))
					return
				}
				continue
			}
			it.err = err
			f.logger.Warn("event fetch aborted",
				zap.Uint64("seq", seq),
				zap.Error(err))
			return
		}
		misses = 0

		ev, ok := decodeEvent(raw)
		if !ok {
			continue
		}
		if ev.TS < startMs {
			continue
		}
		if ev.TS >= endMs {
			return
		}
		if !filter.match(ev) {
			continue
		}
		select {
		case it.ch <- *ev:
		case <-ctx.Done():
			it.err = ctx.Err()
			return
		}
		produced++
		if filter.max > 0 && produced >= filter.max {
			return
		}
	}
}

func (f *Fetcher) runBulk(ctx context.Context, startSeq uint64, startMs, endMs int64, filter filterSet, it *Iter) {
	produced := 0
	err := f.bulk.ReadFrom(ctx, startSeq, func(raw RawEvent) bool {
		ev, ok := decodeEvent(raw)
		if !ok {
			return true
		}
		if ev.TS < startMs {
			return true
		}
		if ev.TS >= endMs {
			return false
		}
		if !filter.match(ev) {
			return true
		}
		select {
		case it.ch <- *ev:
		case <-ctx.Done():
			return false
		}
		produced++
		return filter.max == 0 || produced < filter.max
	})
	switch {
	case ctx.Err() != nil:
		it.err = ctx.Err()
	case err != nil:
		it.err = err
		f.logger.Warn("consumer replay ended early", zap.Error(err))
	}
}

func decodeEvent(raw RawEvent) (*event.Event, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw.Data, &m); err != nil {
		return nil, false
	}
	return event.Normalize(m, raw.Seq)
}
