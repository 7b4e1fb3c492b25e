package models

import "time"

// Entity types the built-in handlers write to the record store.
const (
	EntityTask         = "Task"
	EntityNotification = "Notification"
)

// Record is a free-form entity row from the generic record store.
type Record map[string]interface{}

// ID returns the record's "id" field as a string.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// String returns a string field or "".
func (r Record) String(field string) string {
	v, _ := r[field].(string)
	return v
}

// RecordFilter selects records of one entity type by field equality.
type RecordFilter struct {
	Where   map[string]interface{} `json:"where,omitempty"`
	OrderBy string                 `json:"order_by,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

// StoredRecord is how a record store keeps one row.
type StoredRecord struct {
	ID         string    `json:"id" db:"id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	Data       Record    `json:"data" db:"data"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Flatten merges bookkeeping columns into the record's data.
func (s *StoredRecord) Flatten() Record {
	out := make(Record, len(s.Data)+3)
	for k, v := range s.Data {
		out[k] = v
	}
	out["id"] = s.ID
	out["created_at"] = s.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["updated_at"] = s.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}
