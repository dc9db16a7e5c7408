package configstore

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/giantswarm/nucleus/internal/errs"
)

// LogRecord is one append-only transaction log entry. Replaying records
// from empty reproduces the exact tree (property 4).
type LogRecord struct {
	Timestamp int64
	Path      Path
	Op        Op
	Value     any
}

// txLog is the in-memory append-only log plus the set of live tail sinks.
// A dedicated mutex (distinct from the store's tree lock) guards the sink
// map so a slow tail consumer never contends with tree reads/writes.
type txLog struct {
	mu      sync.Mutex
	records []LogRecord

	sinkMu  sync.Mutex
	nextID  uint64
	sinks   map[uint64]chan LogRecord
}

func newTxLog() *txLog {
	return &txLog{sinks: make(map[uint64]chan LogRecord)}
}

func (l *txLog) append(recs ...LogRecord) {
	if len(recs) == 0 {
		return
	}
	l.mu.Lock()
	l.records = append(l.records, recs...)
	l.mu.Unlock()
}

func (l *txLog) all() []LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogRecord, len(l.records))
	copy(out, l.records)
	return out
}

// tailBufferSize bounds the per-sink channel; a consumer that falls this
// far behind is disconnected rather than allowed to block the writer.
const tailBufferSize = 1024

// tail registers sink to receive every subsequently committed record at
// least once, preserving commit order. It returns a cancel function and the
// channel to read from.
func (l *txLog) tail() (ch <-chan LogRecord, cancel func()) {
	l.sinkMu.Lock()
	l.nextID++
	id := l.nextID
	c := make(chan LogRecord, tailBufferSize)
	l.sinks[id] = c
	l.sinkMu.Unlock()

	cancel = func() {
		l.sinkMu.Lock()
		if existing, ok := l.sinks[id]; ok {
			delete(l.sinks, id)
			close(existing)
		}
		l.sinkMu.Unlock()
	}
	return c, cancel
}

// notifyTail delivers records to every live sink, never blocking the
// writer: a sink whose buffer is full is disconnected (slow-consumer
// policy) instead of stalling this call.
func (l *txLog) notifyTail(recs []LogRecord) {
	if len(recs) == 0 {
		return
	}
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	for id, c := range l.sinks {
		for _, rec := range recs {
			select {
			case c <- rec:
			default:
				delete(l.sinks, id)
				close(c)
				goto nextSink
			}
		}
	nextSink:
	}
}

// Tail streams live log records to sink until cancel is called or the sink
// is disconnected as a slow consumer; Store.Close does not end a tail.
// sink receives records asynchronously; a goroutine is
// started to pump them through so the caller's handler never blocks a
// commit.
func (s *Store) Tail(handler func(LogRecord)) (cancel func()) {
	ch, cancelTail := s.log.tail()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range ch {
			handler(rec)
		}
	}()
	return func() {
		cancelTail()
		<-done
	}
}

// Replay reconstructs the tree from a previously dumped transaction log,
// discarding any current state. Records are applied with the same
// per-update step Batch uses (applyOne), so the timestamp rule holds as it
// did for the original commits. Validators are not run, no subscriber
// events are delivered, and the replayed records are not appended to this
// store's own log.
func (s *Store) Replay(records []LogRecord) error {
	s.mu.Lock()
	s.root = newContainer("")
	s.mu.Unlock()

	for _, rec := range records {
		var u Update
		switch rec.Op {
		case OpRemove:
			u = Update{Path: rec.Path, Op: OpRemove, Timestamp: rec.Timestamp}
		case OpSetContainer:
			u = Update{Path: rec.Path, Op: OpSetContainer, Timestamp: rec.Timestamp}
		default:
			u = Update{Path: rec.Path, Op: OpSetLeaf, Value: rec.Value, Timestamp: rec.Timestamp}
		}
		s.mu.Lock()
		_, _, _ = s.applyOne(u)
		s.mu.Unlock()
	}
	return nil
}

// wireRecord is the JSON-line form of a LogRecord persisted under
// /config/config.tlog.
type wireRecord struct {
	Timestamp int64    `json:"ts"`
	Path      []string `json:"path"`
	Op        int      `json:"op"`
	Value     any      `json:"value,omitempty"`
}

// DumpLog writes every record in the in-memory transaction log to w, one
// JSON object per line, for persistence under /config/config.tlog.
func (s *Store) DumpLog(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, rec := range s.log.all() {
		if err := enc.Encode(wireRecord{Timestamp: rec.Timestamp, Path: []string(rec.Path), Op: int(rec.Op), Value: rec.Value}); err != nil {
			return errs.Wrap(errs.IOError, "writing transaction log", err)
		}
	}
	return nil
}

// LoadLog parses a JSON-lines transaction log previously written by
// DumpLog, for use with Replay.
func LoadLog(r io.Reader) ([]LogRecord, error) {
	var out []LogRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wr wireRecord
		if err := json.Unmarshal(line, &wr); err != nil {
			return nil, errs.Wrap(errs.MalformedConfig, "parsing transaction log line", err)
		}
		out = append(out, LogRecord{Timestamp: wr.Timestamp, Path: Path(wr.Path), Op: Op(wr.Op), Value: wr.Value})
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.IOError, "reading transaction log", err)
	}
	return out, nil
}
