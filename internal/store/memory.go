package store

import (
	"context"
	"sync"
	"time"

	"leadpipe/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Store used by tests. It provides
// the same single-record atomicity guarantee as the Postgres implementation.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.StatusRecord

	// UpdateHook, when set, runs inside Update before the mutation is
	// applied; returning an error fails the update. Tests use it to
	// simulate a finalize that dies after a successful increment.
	UpdateHook func(uploadID string, m Mutation) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.StatusRecord)}
}

func (s *MemoryStore) Get(_ context.Context, uploadID string) (*models.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[uploadID]
	if !ok || expired(record) {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, record *models.StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.UploadID]; ok && !expired(existing) {
		return ErrAlreadyExists
	}
	s.records[record.UploadID] = record.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, uploadID string, m Mutation) (*models.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[uploadID]
	if !ok || expired(record) {
		return nil, ErrNotFound
	}

	if s.UpdateHook != nil {
		if err := s.UpdateHook(uploadID, m); err != nil {
			return nil, err
		}
	}

	if len(m.StatusIn) > 0 {
		match := false
		for _, st := range m.StatusIn {
			if record.Status == st {
				match = true
				break
			}
		}
		if !match {
			return nil, ErrPreconditionFailed
		}
	}

	apply(record, m)
	record.UpdatedAt = time.Now().UTC()
	return record.Clone(), nil
}

func (s *MemoryStore) IncrementProgress(_ context.Context, uploadID string, d ProgressDelta) (*models.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[uploadID]
	if !ok || expired(record) {
		return nil, ErrNotFound
	}

	record.Progress.CompletedBatches += d.CompletedBatches
	record.Progress.ProcessedLeads += d.ProcessedLeads
	record.Progress.CreatedLeads += d.CreatedLeads
	record.Progress.UpdatedLeads += d.UpdatedLeads
	if record.Progress.TotalBatches > 0 {
		pct := float64(record.Progress.CompletedBatches) / float64(record.Progress.TotalBatches) * 100
		if pct > 100 {
			pct = 100
		}
		record.Progress.Percentage = pct
	}
	record.UpdatedAt = time.Now().UTC()
	return record.Clone(), nil
}

func (s *MemoryStore) ListStuck(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, record := range s.records {
		if expired(record) {
			continue
		}
		p := record.Progress
		if p.TotalBatches > 0 && p.CompletedBatches >= p.TotalBatches && !record.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, record := range s.records {
		if !record.ExpiresAt.IsZero() && !record.ExpiresAt.After(now) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func expired(record *models.StatusRecord) bool {
	return !record.ExpiresAt.IsZero() && !record.ExpiresAt.After(time.Now())
}

func apply(record *models.StatusRecord, m Mutation) {
	if m.Status != nil {
		record.Status = *m.Status
	}
	if m.Stage != nil {
		record.Stage = *m.Stage
	}
	if m.TotalBatches != nil {
		record.Progress.TotalBatches = *m.TotalBatches
	}
	if m.CompletedBatches != nil {
		record.Progress.CompletedBatches = *m.CompletedBatches
	}
	if m.TotalLeads != nil {
		record.Progress.TotalLeads = *m.TotalLeads
	}
	if m.ProcessedLeads != nil {
		record.Progress.ProcessedLeads = *m.ProcessedLeads
	}
	if m.CreatedLeads != nil {
		record.Progress.CreatedLeads = *m.CreatedLeads
	}
	if m.UpdatedLeads != nil {
		record.Progress.UpdatedLeads = *m.UpdatedLeads
	}
	if m.Percentage != nil {
		record.Progress.Percentage = *m.Percentage
	}
	if m.ProcessingRate != nil {
		record.Progress.ProcessingRate = *m.ProcessingRate
	}
	if m.EstimatedRemaining != nil {
		record.Progress.EstimatedRemainingSeconds = *m.EstimatedRemaining
	}
	if m.ShowEstimates != nil {
		record.Progress.ShowEstimates = *m.ShowEstimates
	}
	if m.CompletionTime != nil {
		t := *m.CompletionTime
		record.Metadata.CompletionTime = &t
	}
	if m.CancellationTime != nil {
		t := *m.CancellationTime
		record.Metadata.CancellationTime = &t
	}
	if m.CancellationReason != nil {
		record.Metadata.CancellationReason = *m.CancellationReason
	}
	if m.ForcedCompletion != nil {
		record.Metadata.ForcedCompletion = *m.ForcedCompletion
	}
	if m.RecoveryAction != nil {
		record.Metadata.RecoveryAction = *m.RecoveryAction
	}
	if m.Error != nil {
		info := *m.Error
		record.Error = &info
	} else if m.ClearError {
		record.Error = nil
	}
}
