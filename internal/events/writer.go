package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type names one kind of audit record. Every mutating engine operation
// appends exactly one, inside its own transaction.
type Type string

const (
	OrgInitialized    Type = "org.init"
	ProductCreated    Type = "product.created"
	ProductUpdated    Type = "product.updated"
	ProductDeleted    Type = "product.deleted"
	ValueChainCreated Type = "value_chain.created"
	ValueChainMoved   Type = "value_chain.moved"
	ValueChainDeleted Type = "value_chain.deleted"
	TaskCreated       Type = "task.created"
	TaskUpdated       Type = "task.updated"
	TaskDeleted       Type = "task.deleted"
	AssignmentCreated Type = "assignment.created"
	AssignmentClosed  Type = "assignment.closed"
	AssignmentDeleted Type = "assignment.deleted"
	TrackerStarted    Type = "tracker.started"
	TrackerStopped    Type = "tracker.stopped"
	TrackerUpdated    Type = "tracker.updated"
	TrackerDeleted    Type = "tracker.deleted"
	RecalcCompleted   Type = "recalc.completed"
)

// EntityKind returns the entity a type is recorded against: the segment before
// the dot, except recalc runs, which are logged against the org they covered.
func (t Type) EntityKind() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	if s == "recalc" {
		return "org"
	}
	return s
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType Type, orgID, entityID, actorID string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, string(evtType), nullable(orgID), evtType.EntityKind(), nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
