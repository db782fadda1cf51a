package scheduler

import (
	"time"

	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/types"
)

// DefaultAncillaryBatchSize is how many ancillary jobs a worker claims
// per dispatch cycle when it has free capacity.
const DefaultAncillaryBatchSize = 10

var primaryTypes = map[string]bool{
	string(types.PrimaryTypeMasscan): true,
	string(types.PrimaryTypeNmap):    true,
	string(types.PrimaryTypeCustom):  true,
}

// Config holds scheduler tuning knobs.
type Config struct {
	AncillaryBatchSize int
}

// Scheduler decides what a worker runs next. It holds no state of its
// own; all claims go through the store's atomic claim methods, so
// multiple workers can schedule concurrently.
type Scheduler struct {
	store storage.Store
	batch int
}

// New creates a scheduler backed by the given store.
func New(store storage.Store, cfg Config) *Scheduler {
	batch := cfg.AncillaryBatchSize
	if batch <= 0 {
		batch = DefaultAncillaryBatchSize
	}
	return &Scheduler{store: store, batch: batch}
}

// Assignment is the work leased to a worker in one dispatch cycle.
type Assignment struct {
	Primary   *types.PrimaryJob
	Ancillary []*types.AncillaryJob
}

// Empty reports whether the cycle leased nothing.
func (a *Assignment) Empty() bool {
	return a.Primary == nil && len(a.Ancillary) == 0
}

// Count returns the number of jobs in the assignment.
func (a *Assignment) Count() int {
	n := len(a.Ancillary)
	if a.Primary != nil {
		n++
	}
	return n
}

// Next leases work for the worker: at most one primary job, then a batch
// of ancillary jobs sized to the worker's remaining slots. Workers that
// advertise no primary types only receive ancillary work, and vice versa.
func (s *Scheduler) Next(w *types.Worker, slots int, now time.Time) (*Assignment, error) {
	a := &Assignment{}
	if slots <= 0 {
		return a, nil
	}

	var primaries, ancillaries []string
	for _, t := range w.SupportedTypes {
		if primaryTypes[t] {
			primaries = append(primaries, t)
		} else {
			ancillaries = append(ancillaries, t)
		}
	}

	if len(primaries) > 0 {
		job, err := s.store.ClaimPrimary(w.WorkerID, primaries, now)
		if err != nil {
			return nil, err
		}
		if job != nil {
			a.Primary = job
			slots--
		}
	}

	if len(ancillaries) > 0 && slots > 0 {
		n := slots
		if n > s.batch {
			n = s.batch
		}
		jobs, err := s.store.ClaimAncillaryBatch(w.WorkerID, ancillaries, n, now)
		if err != nil {
			return nil, err
		}
		a.Ancillary = jobs
	}
	return a, nil
}
