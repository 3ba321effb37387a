package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// FailoverStore handles failover attempt history
type FailoverStore struct {
	db *DB
}

// NewFailoverStore creates a new failover record store
func NewFailoverStore(db *DB) *FailoverStore {
	return &FailoverStore{db: db}
}

// Create inserts a failover record
func (s *FailoverStore) Create(ctx context.Context, record *models.FailoverRecord) error {
	metadata, err := marshalMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode record metadata: %w", err)
	}

	query := `
		INSERT INTO failover_records (
			id, machine_id, instance_id,
			strategy_attempted, strategy_succeeded,
			warm_pool_attempt_ms, regional_volume_attempt_ms, cpu_standby_attempt_ms, total_ms,
			gpus_tried, rounds_attempted,
			warm_pool_error, regional_volume_error, cpu_standby_error,
			new_instance_id, new_ssh_host, new_ssh_port,
			metadata, created_at
		) VALUES (
			?, ?, ?,
			?, ?,
			?, ?, ?, ?,
			?, ?,
			?, ?, ?,
			?, ?, ?,
			?, ?
		)
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.MachineID, record.InstanceID,
		record.StrategyAttempted, record.StrategySucceeded,
		record.WarmPoolAttemptMs, record.RegionalVolumeAttemptMs, record.CPUStandbyAttemptMs, record.TotalMs,
		record.GPUsTried, record.RoundsAttempted,
		record.WarmPoolError, record.RegionalVolumeError, record.CPUStandbyError,
		record.NewInstanceID, record.NewSSHHost, record.NewSSHPort,
		metadata, record.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create failover record: %w", err)
	}

	return nil
}

// Get retrieves a failover record by ID
func (s *FailoverStore) Get(ctx context.Context, id string) (*models.FailoverRecord, error) {
	query := selectFailoverRecord + ` WHERE id = ?`

	record, err := scanFailoverRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failover record: %w", err)
	}
	return record, nil
}

// List returns failover records matching the filter, newest first
func (s *FailoverStore) List(ctx context.Context, filter FailoverRecordFilter) ([]*models.FailoverRecord, error) {
	query := selectFailoverRecord + ` WHERE 1=1`

	var args []interface{}

	if filter.MachineID != "" {
		query += " AND machine_id = ?"
		args = append(args, filter.MachineID)
	}

	if filter.SucceededOnly {
		query += " AND strategy_succeeded IS NOT NULL AND strategy_succeeded != ''"
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failover records: %w", err)
	}
	defer rows.Close()

	var records []*models.FailoverRecord
	for rows.Next() {
		record, err := scanFailoverRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failover record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failover records: %w", err)
	}

	return records, nil
}

// FailoverRecordFilter defines criteria for filtering failover records
type FailoverRecordFilter struct {
	MachineID     string
	SucceededOnly bool
	Limit         int
}

const selectFailoverRecord = `
	SELECT
		id, machine_id, instance_id,
		strategy_attempted, strategy_succeeded,
		warm_pool_attempt_ms, regional_volume_attempt_ms, cpu_standby_attempt_ms, total_ms,
		gpus_tried, rounds_attempted,
		warm_pool_error, regional_volume_error, cpu_standby_error,
		new_instance_id, new_ssh_host, new_ssh_port,
		metadata, created_at
	FROM failover_records
`

func scanFailoverRecord(row rowScanner) (*models.FailoverRecord, error) {
	record := &models.FailoverRecord{}
	var instanceID, strategySucceeded sql.NullString
	var warmPoolError, regionalVolumeError, cpuStandbyError sql.NullString
	var newInstanceID, newSSHHost, metadata sql.NullString
	var newSSHPort sql.NullInt64

	err := row.Scan(
		&record.ID, &record.MachineID, &instanceID,
		&record.StrategyAttempted, &strategySucceeded,
		&record.WarmPoolAttemptMs, &record.RegionalVolumeAttemptMs, &record.CPUStandbyAttemptMs, &record.TotalMs,
		&record.GPUsTried, &record.RoundsAttempted,
		&warmPoolError, &regionalVolumeError, &cpuStandbyError,
		&newInstanceID, &newSSHHost, &newSSHPort,
		&metadata, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.InstanceID = instanceID.String
	record.StrategySucceeded = models.FailoverStrategy(strategySucceeded.String)
	record.WarmPoolError = warmPoolError.String
	record.RegionalVolumeError = regionalVolumeError.String
	record.CPUStandbyError = cpuStandbyError.String
	record.NewInstanceID = newInstanceID.String
	record.NewSSHHost = newSSHHost.String
	record.NewSSHPort = int(newSSHPort.Int64)

	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	record.Metadata = meta

	return record, nil
}
