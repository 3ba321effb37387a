package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// EventStore handles lifecycle event persistence. The table is append-only:
// events are never updated or deleted, so the audit trail stays trustworthy.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new lifecycle event store
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Append inserts a lifecycle event
func (s *EventStore) Append(ctx context.Context, event *models.LifecycleEvent) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	query := `
		INSERT INTO lifecycle_events (
			id, instance_id, user_id, action,
			previous_status, new_status, success,
			caller_source, caller_site, reason, reason_details,
			snapshot_id, metadata, created_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?
		)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.InstanceID, event.UserID, event.Action,
		event.PreviousStatus, event.NewStatus, event.Success,
		event.CallerSource, event.CallerSite, event.Reason, event.ReasonDetails,
		event.SnapshotID, metadata, event.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}

	return nil
}

// Get retrieves a lifecycle event by ID
func (s *EventStore) Get(ctx context.Context, id string) (*models.LifecycleEvent, error) {
	query := `
		SELECT
			id, instance_id, user_id, action,
			previous_status, new_status, success,
			caller_source, caller_site, reason, reason_details,
			snapshot_id, metadata, created_at
		FROM lifecycle_events
		WHERE id = ?
	`

	event, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lifecycle event: %w", err)
	}
	return event, nil
}

// List returns events matching the query, newest first
func (s *EventStore) List(ctx context.Context, query models.EventQuery) ([]*models.LifecycleEvent, error) {
	q := `
		SELECT
			id, instance_id, user_id, action,
			previous_status, new_status, success,
			caller_source, caller_site, reason, reason_details,
			snapshot_id, metadata, created_at
		FROM lifecycle_events
		WHERE 1=1
	`

	var args []interface{}

	if query.InstanceID != "" {
		q += " AND instance_id = ?"
		args = append(args, query.InstanceID)
	}

	if query.Action != "" {
		q += " AND action = ?"
		args = append(args, query.Action)
	}

	if !query.Since.IsZero() {
		q += " AND created_at > ?"
		args = append(args, query.Since)
	}

	q += " ORDER BY created_at DESC"

	if query.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []*models.LifecycleEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lifecycle events: %w", err)
	}

	return events, nil
}

// CountFailedByInstance returns the number of failed events recorded for an
// instance since the given time
func (s *EventStore) CountFailedByInstance(ctx context.Context, instanceID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM lifecycle_events
		WHERE instance_id = ? AND success = 0 AND created_at > ?
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, instanceID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed events: %w", err)
	}
	return count, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.LifecycleEvent, error) {
	event := &models.LifecycleEvent{}
	var userID, prevStatus, newStatus, callerSite, reasonDetails, snapshotID sql.NullString
	var metadata sql.NullString

	err := row.Scan(
		&event.ID, &event.InstanceID, &userID, &event.Action,
		&prevStatus, &newStatus, &event.Success,
		&event.CallerSource, &callerSite, &event.Reason, &reasonDetails,
		&snapshotID, &metadata, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.UserID = userID.String
	event.PreviousStatus = prevStatus.String
	event.NewStatus = newStatus.String
	event.CallerSite = callerSite.String
	event.ReasonDetails = reasonDetails.String
	event.SnapshotID = snapshotID.String

	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	event.Metadata = meta

	return event, nil
}

// marshalMetadata encodes a metadata map as JSON, empty maps as NULL
func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalMetadata decodes a JSON metadata column, NULL as nil
func unmarshalMetadata(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}
