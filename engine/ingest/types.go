package ingest

import (
	"github.com/WessleyAI/faultgraph/engine/conflict"
	"github.com/WessleyAI/faultgraph/engine/domain"
)

// UpsertResult reports the outcome of one relation upsert.
type UpsertResult struct {
	Created   bool                `json:"created"`
	Message   string              `json:"message"`
	ID        string              `json:"id,omitempty"`
	Status    domain.Status       `json:"status,omitempty"`
	Conflicts []conflict.Conflict `json:"conflicts,omitempty"`
}

// BatchResult reports a batch upsert. Errors carry 1-based item indexes.
type BatchResult struct {
	Success    int      `json:"success"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
	CreatedIDs []string `json:"created_ids"`
}

// ConflictNotice is published when a newly created relation contradicts
// stored ones.
type ConflictNotice struct {
	RelationID string              `json:"relation_id"`
	Type       domain.RelationType `json:"relation_type"`
	Source     domain.NodeRef      `json:"source"`
	Target     domain.NodeRef      `json:"target"`
	Conflicts  []conflict.Conflict `json:"conflicts"`
}

// pending carries one relation through the upsert stages.
type pending struct {
	in    domain.RelationInput
	hash  string
	props map[string]any
	id    string
}

// duplicateError short-circuits the pipeline when the fingerprint exists.
type duplicateError struct {
	id string
}

func (e *duplicateError) Error() string { return msgExists }

// dlqMessage is published to the DLQ on terminal failure.
type dlqMessage struct {
	Relation string `json:"relation"`
	Error    string `json:"error"`
	Retries  int    `json:"retries"`
}
