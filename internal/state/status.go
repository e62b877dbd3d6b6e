package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/waitline/waitline/internal/utils"
)

// StepOrder is the canonical ordering of pipeline steps for display. Steps
// a run never reaches simply stay absent.
var StepOrder = []string{"merge", "ingest", "dimensions", "aggregates", "training", "forecast", "wti"}

// StepState is the lifecycle of one pipeline step.
type StepState string

const (
	StepPending StepState = "pending"
	StepRunning StepState = "running"
	StepOK      StepState = "ok"
	StepFailed  StepState = "failed"
)

// Terminal training results beyond plain success.
const (
	TrainOK      = "ok"
	TrainFailed  = "failed"
	TrainTimeout = "TIMEOUT"
	TrainSkipped = "skipped"
)

// StepStatus is the recorded state of one step.
type StepStatus struct {
	State StepState `json:"state"`
	Error string    `json:"error,omitempty"` // first error only
	At    time.Time `json:"at"`
}

// TrainingStatus tracks batch-training progress for dashboard readers.
type TrainingStatus struct {
	Total         int               `json:"total"`
	Done          int               `json:"done"`
	Workers       int               `json:"workers"`
	CurrentEntity string            `json:"current_entity,omitempty"`
	Results       map[string]string `json:"results,omitempty"`
}

// statusDoc is the persisted form.
type statusDoc struct {
	Seq         int64                 `json:"seq"`
	StartedAt   time.Time             `json:"started_at"`
	Steps       map[string]StepStatus `json:"steps"`
	Training    TrainingStatus        `json:"training"`
	LastUpdated time.Time             `json:"last_updated"`
}

// Status is the pipeline status record. Every mutation persists the whole
// document via write-replace and bumps the sequence number, so a dashboard
// may read a slightly stale generation but never a torn one. Mutations are
// serialized internally; training workers share one Status value.
type Status struct {
	mu   sync.Mutex
	path string
	doc  statusDoc
}

// LoadStatus reads the status file, or returns an empty record if missing.
func LoadStatus(path string) (*Status, error) {
	s := &Status{path: path}
	s.doc.Steps = make(map[string]StepStatus)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read pipeline status %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse pipeline status %s: %w", path, err)
	}
	if s.doc.Steps == nil {
		s.doc.Steps = make(map[string]StepStatus)
	}
	return s, nil
}

// Begin resets the record for a new run.
func (s *Status) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.StartedAt = time.Now().UTC()
	s.doc.Steps = make(map[string]StepStatus)
	s.doc.Training = TrainingStatus{}
	return s.save()
}

// StepRunning marks a step as started.
func (s *Status) StepRunning(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Steps[name] = StepStatus{State: StepRunning, At: time.Now().UTC()}
	return s.save()
}

// StepDone marks a step as succeeded.
func (s *Status) StepDone(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Steps[name] = StepStatus{State: StepOK, At: time.Now().UTC()}
	return s.save()
}

// StepFailed marks a step as failed, keeping the first error text.
func (s *Status) StepFailed(name string, stepErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.doc.Steps[name]
	msg := cur.Error
	if msg == "" && stepErr != nil {
		msg = stepErr.Error()
	}
	s.doc.Steps[name] = StepStatus{State: StepFailed, Error: msg, At: time.Now().UTC()}
	return s.save()
}

// Step returns the recorded status of a step.
func (s *Status) Step(name string) (StepStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.doc.Steps[name]
	return st, ok
}

// TrainingInit records the work-list size and worker count.
func (s *Status) TrainingInit(total, workers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Training = TrainingStatus{Total: total, Workers: workers, Results: make(map[string]string)}
	return s.save()
}

// TrainingStarted records the entity a worker just picked up.
func (s *Status) TrainingStarted(entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Training.CurrentEntity = entity
	return s.save()
}

// TrainingResult records a per-entity outcome and advances the done count.
func (s *Status) TrainingResult(entity, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Training.Results == nil {
		s.doc.Training.Results = make(map[string]string)
	}
	s.doc.Training.Results[entity] = result
	s.doc.Training.Done++
	return s.save()
}

// Snapshot returns a copy of the persisted document for rendering.
func (s *Status) Snapshot() (seq int64, startedAt time.Time, steps map[string]StepStatus, training TrainingStatus, lastUpdated time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stepsCopy := make(map[string]StepStatus, len(s.doc.Steps))
	for k, v := range s.doc.Steps {
		stepsCopy[k] = v
	}
	tr := s.doc.Training
	if tr.Results != nil {
		results := make(map[string]string, len(tr.Results))
		for k, v := range tr.Results {
			results[k] = v
		}
		tr.Results = results
	}
	return s.doc.Seq, s.doc.StartedAt, stepsCopy, tr, s.doc.LastUpdated
}

// save persists the document. Callers hold s.mu.
func (s *Status) save() error {
	if s.path == "" {
		return nil
	}
	s.doc.Seq++
	s.doc.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pipeline status: %w", err)
	}
	return utils.WriteFileAtomic(s.path, data, 0644)
}
