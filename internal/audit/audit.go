// Package audit keeps a bounded trail of anonymization requests.
//
// An Entry records who asked for what and how it ended: request id, operation,
// recognizer mode, entity-type counts, status and duration. It never holds
// input text, matched values or pseudonyms, so the trail itself is not PII.
//
// Two stores are provided:
//   - memoryStore, used in tests and when no path is configured.
//   - boltStore, backed by bbolt, used in production.
//
// Entries are keyed by UUIDv7 so byte order is time order; retention drops
// the oldest entries first.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/logger"
)

// DefaultRetention is the number of entries kept when none is configured.
const DefaultRetention = 10000

// Entry is one audited request.
type Entry struct {
	ID         string         `json:"id"`
	Time       time.Time      `json:"time"`
	RequestID  string         `json:"request_id,omitempty"`
	Operation  string         `json:"operation"`
	Mode       string         `json:"mode,omitempty"`
	Degraded   bool           `json:"degraded"`
	Counts     map[string]int `json:"counts,omitempty"`
	Status     string         `json:"status"`
	DurationMs float64        `json:"duration_ms"`
}

// Store persists entries. All implementations must be safe for concurrent use.
type Store interface {
	// Append stores e and drops the oldest entries beyond the retention limit.
	Append(e Entry) error

	// Recent returns up to limit entries, newest first. limit <= 0 means all.
	Recent(limit int) ([]Entry, error)

	// Len returns the number of stored entries.
	Len() int

	Close() error
}

// Open returns a bbolt store at path, or an in-memory store when path is
// empty. retention <= 0 means DefaultRetention.
func Open(path string, retention int) (Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if path == "" {
		return newMemoryStore(retention), nil
	}
	return newBoltStore(path, retention)
}

// Recorder turns request reports into audit entries. It implements
// anonymizer.Observer.
type Recorder struct {
	store Store
	log   *logger.Logger
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Discard()
	}
	return &Recorder{store: store, log: log}
}

// Store returns the underlying store.
func (r *Recorder) Store() Store { return r.store }

// ObserveRequest appends one entry for rep. Store failures are logged and
// never fail the request.
func (r *Recorder) ObserveRequest(rep anonymizer.Report) {
	e := FromReport(rep)
	if err := r.store.Append(e); err != nil {
		r.log.Errorf("append", "[%s] audit entry %s not stored: %v", rep.RequestID, e.ID, err)
	}
}

// FromReport converts rep into an Entry with a fresh time-ordered id.
func FromReport(rep anonymizer.Report) Entry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	var counts map[string]int
	if len(rep.Counts) > 0 {
		counts = make(map[string]int, len(rep.Counts))
		for t, n := range rep.Counts {
			counts[string(t)] = n
		}
	}
	ts := rep.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Entry{
		ID:         id.String(),
		Time:       ts,
		RequestID:  rep.RequestID,
		Operation:  rep.Operation,
		Mode:       rep.Mode,
		Degraded:   rep.Degraded,
		Counts:     counts,
		Status:     rep.Status,
		DurationMs: float64(rep.Elapsed.Microseconds()) / 1000,
	}
}

// Summary aggregates entries by status and entity type.
type Summary struct {
	Entries  int            `json:"entries"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

// Summarize aggregates entries.
func Summarize(entries []Entry) Summary {
	s := Summary{Entries: len(entries), ByStatus: map[string]int{}, ByType: map[string]int{}}
	for _, e := range entries {
		s.ByStatus[e.Status]++
		for t, n := range e.Counts {
			s.ByType[t] += n
		}
	}
	return s
}

func encode(e Entry) ([]byte, error) { return json.Marshal(e) }

func decode(b []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(b, &e)
	return e, err
}

// keyOf parses the entry id into its 16 byte form, which sorts by time.
func keyOf(e Entry) ([]byte, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return nil, err
	}
	return id[:], nil
}
