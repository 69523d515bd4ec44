package eventlog

import (
	"context"
	"sync"

	"workqueue/internal/domain"
)

// MemorySink keeps events per partition in process memory. Redelivered
// events are dropped by EventID.
type MemorySink struct {
	mu         sync.Mutex
	partitions map[int][]domain.Event
	seen       map[string]struct{}
}

func NewMemorySink() *MemorySink {
	return &MemorySink{partitions: map[int][]domain.Event{}, seen: map[string]struct{}{}}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Publish(_ context.Context, evt domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[evt.EventID]; dup {
		return nil
	}
	m.seen[evt.EventID] = struct{}{}
	m.partitions[evt.Partition] = append(m.partitions[evt.Partition], evt)
	return nil
}

func (m *MemorySink) Partition(p int) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.partitions[p]...)
}

// ForItem returns the events of one work item in delivery order.
func (m *MemorySink) ForItem(workItemID string) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, evts := range m.partitions {
		for _, e := range evts {
			if e.WorkItemID == workItemID {
				out = append(out, e)
			}
		}
	}
	return out
}

func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
