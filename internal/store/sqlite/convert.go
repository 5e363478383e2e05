package sqlite

import (
	"database/sql"
	"encoding/json"

	"taskengine/internal/domain/task"
)

const taskSelectColumns = `SELECT
	id, kind, status, parent_id, schedule_id, template_id, is_template,
	payload, result_summary, artifact_path, error_message,
	retry_count, max_retries, retry_policy_id, next_retry_at, last_retry_error,
	claimed_by, created_at, started_at, finished_at`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var kindStr, statusStr, payloadJSON string
	var parentID, scheduleID, templateID, retryPolicyID sql.NullInt64
	var isTemplate int
	var nextRetryAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&t.ID, &kindStr, &statusStr, &parentID, &scheduleID, &templateID, &isTemplate,
		&payloadJSON, &t.ResultSummary, &t.ArtifactPath, &t.ErrorMessage,
		&t.RetryCount, &t.MaxRetries, &retryPolicyID, &nextRetryAt, &t.LastRetryError,
		&t.ClaimedBy, &t.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = task.Kind(kindStr)
	t.Status = task.Status(statusStr)
	t.IsTemplate = isTemplate != 0
	t.ParentID = nullInt64ToPtr(parentID)
	t.ScheduleID = nullInt64ToPtr(scheduleID)
	t.TemplateID = nullInt64ToPtr(templateID)
	t.RetryPolicyID = nullInt64ToPtr(retryPolicyID)
	if nextRetryAt.Valid {
		tm := nextRetryAt.Time
		t.NextRetryAt = &tm
	}
	if startedAt.Valid {
		tm := startedAt.Time
		t.StartedAt = &tm
	}
	if finishedAt.Valid {
		tm := finishedAt.Time
		t.FinishedAt = &tm
	}

	payload, err := decodePayload(payloadJSON)
	if err != nil {
		return nil, err
	}
	t.Payload = payload

	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*task.Task, error) {
	return scanTask(rows)
}

func encodePayload(p task.Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(raw string) (task.Payload, error) {
	var p task.Payload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, err
	}
	return p, nil
}

func encodeStringSlice(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func encodeInt64Slice(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64ToPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
