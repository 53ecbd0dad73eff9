package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Keys of the flat mapping produced by ToMap.
const (
	KeyID          = "id"
	KeyWorkerType  = "worker_type"
	KeyWorkerID    = "worker_id"
	KeyKind        = "kind"
	KeyDescription = "description"
	KeyInput       = "input"
	KeyPriority    = "priority"
	KeyTimeout     = "timeout"
	KeyMetadata    = "metadata"
	KeyCreatedAt   = "created_at"
	KeyStartedAt   = "started_at"
	KeyCompletedAt = "completed_at"
	KeyStatus      = "status"
	KeyResult      = "result"
	KeyError       = "error"
	KeyProgress    = "progress"
)

// ToMap serializes the task into a flat mapping. Every key is always
// present; unset optionals are encoded as nil so FromMap can restore them
// exactly. Timestamps use RFC 3339 with nanoseconds and the timeout uses
// time.Duration's string form.
func (t *Task) ToMap() map[string]any {
	return map[string]any{
		KeyID:          t.ID,
		KeyWorkerType:  t.WorkerType,
		KeyWorkerID:    t.WorkerID,
		KeyKind:        t.Kind,
		KeyDescription: t.Description,
		KeyInput:       maps.Clone(t.Input),
		KeyPriority:    t.Priority.String(),
		KeyTimeout:     t.Timeout.String(),
		KeyMetadata:    maps.Clone(t.Metadata),
		KeyCreatedAt:   formatTime(&t.CreatedAt),
		KeyStartedAt:   formatTime(t.StartedAt),
		KeyCompletedAt: formatTime(t.CompletedAt),
		KeyStatus:      string(t.Status),
		KeyResult:      maps.Clone(t.Result),
		KeyError:       t.Error,
		KeyProgress:    t.Progress,
	}
}

// FromMap rebuilds a task from the output of ToMap. It also accepts the
// same mapping after a JSON round trip, where numbers arrive as float64.
func FromMap(m map[string]any) (*Task, error) {
	t := &Task{}
	var err error

	if t.ID, err = stringField(m, KeyID); err != nil {
		return nil, err
	}
	if t.WorkerType, err = stringField(m, KeyWorkerType); err != nil {
		return nil, err
	}
	if t.WorkerID, err = stringField(m, KeyWorkerID); err != nil {
		return nil, err
	}
	if t.Kind, err = stringField(m, KeyKind); err != nil {
		return nil, err
	}
	if t.Description, err = stringField(m, KeyDescription); err != nil {
		return nil, err
	}
	if t.Error, err = stringField(m, KeyError); err != nil {
		return nil, err
	}
	if t.Input, err = mapField(m, KeyInput); err != nil {
		return nil, err
	}
	if t.Metadata, err = mapField(m, KeyMetadata); err != nil {
		return nil, err
	}
	if t.Result, err = mapField(m, KeyResult); err != nil {
		return nil, err
	}

	if t.Priority, err = priorityField(m); err != nil {
		return nil, err
	}
	if t.Timeout, err = durationField(m, KeyTimeout); err != nil {
		return nil, err
	}

	created, err := timeField(m, KeyCreatedAt)
	if err != nil {
		return nil, err
	}
	if created != nil {
		t.CreatedAt = *created
	}
	if t.StartedAt, err = timeField(m, KeyStartedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = timeField(m, KeyCompletedAt); err != nil {
		return nil, err
	}

	status, err := stringField(m, KeyStatus)
	if err != nil {
		return nil, err
	}
	if status != "" {
		if t.Status, err = ParseStatus(status); err != nil {
			return nil, err
		}
	}

	switch v := m[KeyProgress].(type) {
	case nil:
	case float64:
		t.Progress = v
	case int:
		t.Progress = float64(v)
	default:
		return nil, fmt.Errorf("field %q: unexpected type %T", KeyProgress, v)
	}

	return t, nil
}

// MarshalJSON encodes the task as its flat mapping.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ToMap())
}

// UnmarshalJSON decodes a task from its flat mapping.
func (t *Task) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	decoded, err := FromMap(m)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

func formatTime(ts *time.Time) any {
	if ts == nil || ts.IsZero() {
		return nil
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func stringField(m map[string]any, key string) (string, error) {
	switch v := m[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("field %q: expected string, got %T", key, v)
	}
}

func mapField(m map[string]any, key string) (map[string]any, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return maps.Clone(v), nil
	default:
		return nil, fmt.Errorf("field %q: expected mapping, got %T", key, v)
	}
}

func priorityField(m map[string]any) (Priority, error) {
	switch v := m[KeyPriority].(type) {
	case nil:
		return PriorityNormal, nil
	case string:
		return ParsePriority(v)
	case float64:
		p := Priority(int(v))
		if !p.Valid() {
			return 0, fmt.Errorf("field %q: invalid priority %v", KeyPriority, v)
		}
		return p, nil
	case Priority:
		return v, nil
	default:
		return 0, fmt.Errorf("field %q: unexpected type %T", KeyPriority, v)
	}
}

func durationField(m map[string]any, key string) (time.Duration, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return d, nil
	case float64:
		// Bare numbers are seconds.
		return time.Duration(v * float64(time.Second)), nil
	case time.Duration:
		return v, nil
	default:
		return 0, fmt.Errorf("field %q: unexpected type %T", key, v)
	}
}

func timeField(m map[string]any, key string) (*time.Time, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		ts = ts.UTC()
		return &ts, nil
	case time.Time:
		ts := v.UTC()
		return &ts, nil
	default:
		return nil, fmt.Errorf("field %q: unexpected type %T", key, v)
	}
}
