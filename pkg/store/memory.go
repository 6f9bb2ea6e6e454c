package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/postalworks/batchpress/pkg/errors"
)

// MemoryStore is an in-process Store for tests and single-node CLI runs.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	recipients map[string][]RecipientRow
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*Job),
		recipients: make(map[string][]RecipientRow),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New(errors.ErrCodeInvalidInput, "job %s already exists", job.ID)
	}
	now := time.Now()
	j := *job
	if j.Status == "" {
		j.Status = JobPending
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[job.ID] = &j
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	j.UpdatedAt = time.Now()
	if status == JobFailed {
		j.Error = errMsg
	}
	if status.Terminal() {
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

func (s *MemoryStore) IncrementProgress(_ context.Context, id string, success bool, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	j.Processed++
	if success {
		j.Succeeded++
	} else {
		j.Failed++
	}
	if note != "" {
		j.Note = note
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkLateFailure(_ context.Context, id string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if j.Succeeded > 0 {
		j.Succeeded--
		j.Failed++
	}
	if note != "" {
		j.Note = note
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetArtifact(_ context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	j.ArtifactPath = path
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	return j.CancelRequested, nil
}

func (s *MemoryStore) CreateRecipients(_ context.Context, jobID string, rows []RecipientRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return errors.New(errors.ErrCodeJobNotFound, "job %s not found", jobID)
	}
	now := time.Now()
	stored := make([]RecipientRow, len(rows))
	for i, r := range rows {
		r.JobID = jobID
		if r.Status == "" {
			r.Status = RecipientPending
		}
		r.UpdatedAt = now
		stored[i] = r
	}
	s.recipients[jobID] = append(s.recipients[jobID], stored...)
	return nil
}

func (s *MemoryStore) UpdateRecipient(_ context.Context, jobID string, index int, status RecipientStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.recipients[jobID]
	for i := range rows {
		if rows[i].Index == index {
			rows[i].Status = status
			rows[i].Error = errMsg
			rows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.New(errors.ErrCodeNotFound, "recipient %d of job %s not found", index, jobID)
}

func (s *MemoryStore) ListRecipients(_ context.Context, jobID string) ([]RecipientRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.recipients[jobID]
	out := make([]RecipientRow, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
