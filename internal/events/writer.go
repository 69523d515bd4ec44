package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"workqueue/internal/domain"
)

const DefaultPartitions = 16

// Writer builds outbox records. The store persists them in the same
// transaction as the state change they describe.
type Writer struct {
	Partitions int
	Now        func() time.Time
}

type EventPayload map[string]any

func (w Writer) Record(evtType domain.EventType, workItemID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return domain.Event{
		EventID:    uuid.NewString(),
		Type:       evtType,
		WorkItemID: workItemID,
		ActorID:    actorID,
		Partition:  Partition(workItemID, w.partitions()),
		Payload:    data,
		OccurredAt: w.Now().UTC(),
	}, nil
}

func (w Writer) partitions() int {
	if w.Partitions <= 0 {
		return DefaultPartitions
	}
	return w.Partitions
}

// Partition maps a work item onto one of n partitions. Every event of an
// item lands in the same partition.
func Partition(workItemID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(workItemID))
	return int(h.Sum32() % uint32(n))
}
