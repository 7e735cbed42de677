package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
)

// MemoryStore is a process-local Store used when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
	events    map[string][]schema.Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.Workflow),
		events:    make(map[string][]schema.Event),
	}
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	var out []*schema.Workflow
	for _, wf := range s.workflows {
		if filter.match(wf) {
			out = append(out, wf.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteWorkflow removes the snapshot and its event log.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hasWf := s.workflows[id]
	_, hasEvents := s.events[id]
	if !hasWf && !hasEvents {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[event.WorkflowID]
	want := int64(len(log)) + 1
	if event.Sequence != want {
		return sequenceConflict(event.WorkflowID, event.Sequence, want)
	}
	event.Replayed = false
	s.events[event.WorkflowID] = append(log, event)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, workflowID string, since int64) ([]schema.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.events[workflowID]
	if since < 0 {
		since = 0
	}
	if since >= int64(len(log)) {
		return nil, nil
	}
	out := make([]schema.Event, len(log)-int(since))
	copy(out, log[since:])
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
