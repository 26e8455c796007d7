package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AllocationCommittedMessage announces a committed allocate or resplit batch.
// Consumers re-read state from storage; the message only carries references.
type AllocationCommittedMessage struct {
	BatchID        string    `json:"batch_id"`
	Operation      string    `json:"operation"`
	ContributionID int64     `json:"contribution_id"`
	NodeIDs        []int64   `json:"node_ids"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewAllocationCommittedMessage stamps a new batch id when batchID is empty.
func NewAllocationCommittedMessage(batchID, operation string, contributionID int64, nodeIDs []int64) *AllocationCommittedMessage {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	return &AllocationCommittedMessage{
		BatchID:        batchID,
		Operation:      operation,
		ContributionID: contributionID,
		NodeIDs:        nodeIDs,
		Timestamp:      time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *AllocationCommittedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func AllocationCommittedMessageFromJSON(data []byte) (*AllocationCommittedMessage, error) {
	var msg AllocationCommittedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
