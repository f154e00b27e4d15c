package failures

import "time"

// Failure is one manifest row that could not be exported.
type Failure struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batch_id"`
	EntityID  string    `json:"entity_id"`
	RecordID  string    `json:"record_id"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
