package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BenPearsey/vaportal-sub001/internal/db"
)

// Audit event types.
const (
	ChecklistCreated      = "checklist.created"
	ChecklistRecalculated = "checklist.recalculated"
	ChecklistArchived     = "checklist.archived"
	ChecklistCompleted    = "checklist.completed"
	ItemStateChanged      = "item.state_changed"
	ItemUploaded          = "item.uploaded"
	LinkReviewed          = "link.reviewed"
	RepeatGroupAdded      = "repeat_group.added"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event on tx; it must run in the transaction of the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx db.DBTX, evtType, saleID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,sale_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(saleID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
