// Package events publishes export lifecycle notifications to NSQ.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"recordexport/internal/config"
	"recordexport/internal/middleware"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// ExportCompleted is published after every successful export.
type ExportCompleted struct {
	ExportID      string    `json:"export_id"`
	Kind          string    `json:"kind"`
	Entries       int       `json:"entries"`
	FailedRows    int       `json:"failed_rows"`
	Bytes         int       `json:"bytes"`
	CompletedAt   time.Time `json:"completed_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Emitter sends events without ever failing the caller.
type Emitter struct {
	pub Publisher
}

// NewEmitter returns an emitter; a nil publisher disables publishing.
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub}
}

func (e *Emitter) ExportCompleted(ctx context.Context, ev ExportCompleted) {
	if e == nil || e.pub == nil {
		return
	}
	if ev.CompletedAt.IsZero() {
		ev.CompletedAt = time.Now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = middleware.GetCorrelationID(ctx)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		slog.WarnContext(ctx, "failed to encode export event", "error", err)
		return
	}
	if err := e.pub.Publish(config.TopicExportCompleted, body); err != nil {
		slog.WarnContext(ctx, "failed to publish export event", "topic", config.TopicExportCompleted, "export_id", ev.ExportID, "error", err)
	}
}
