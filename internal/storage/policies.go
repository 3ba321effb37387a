package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// globalPolicyKey is the machine_id of the fleet-wide default row
const globalPolicyKey = ""

// PolicyStore handles failover policy persistence
type PolicyStore struct {
	db *DB
}

// NewPolicyStore creates a new failover policy store
func NewPolicyStore(db *DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// Upsert inserts or replaces a policy row. An empty MachineID writes the
// global default.
func (s *PolicyStore) Upsert(ctx context.Context, policy *models.FailoverPolicy) error {
	warmPool, err := json.Marshal(policy.WarmPool)
	if err != nil {
		return fmt.Errorf("failed to encode warm pool config: %w", err)
	}
	regionalVolume, err := json.Marshal(policy.RegionalVolume)
	if err != nil {
		return fmt.Errorf("failed to encode regional volume config: %w", err)
	}
	cpuStandby, err := json.Marshal(policy.CPUStandby)
	if err != nil {
		return fmt.Errorf("failed to encode cpu standby config: %w", err)
	}

	updatedAt := policy.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO failover_policies (
			machine_id, default_strategy,
			warm_pool, regional_volume, cpu_standby,
			override, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			default_strategy = excluded.default_strategy,
			warm_pool = excluded.warm_pool,
			regional_volume = excluded.regional_volume,
			cpu_standby = excluded.cpu_standby,
			override = excluded.override,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		policy.MachineID, policy.DefaultStrategy,
		string(warmPool), string(regionalVolume), string(cpuStandby),
		policy.Override, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert failover policy: %w", err)
	}

	return nil
}

// GetGlobal returns the fleet-wide default policy
func (s *PolicyStore) GetGlobal(ctx context.Context) (*models.FailoverPolicy, error) {
	return s.get(ctx, globalPolicyKey)
}

// GetMachine returns the raw per-machine row whether or not its override
// flag is set. Returns ErrNotFound when the machine has no row.
func (s *PolicyStore) GetMachine(ctx context.Context, machineID string) (*models.FailoverPolicy, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine ID cannot be empty")
	}
	return s.get(ctx, machineID)
}

// Resolve returns the policy in effect for a machine: the per-machine row
// when its override flag is set, the global default otherwise.
func (s *PolicyStore) Resolve(ctx context.Context, machineID string) (*models.FailoverPolicy, error) {
	if machineID != "" {
		policy, err := s.get(ctx, machineID)
		if err == nil && policy.Override {
			return policy, nil
		}
		if err != nil && err != ErrNotFound {
			return nil, err
		}
	}

	return s.GetGlobal(ctx)
}

// List returns all per-machine rows (the global default is excluded)
func (s *PolicyStore) List(ctx context.Context) ([]*models.FailoverPolicy, error) {
	query := selectPolicy + ` WHERE machine_id != '' ORDER BY machine_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list failover policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.FailoverPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failover policy: %w", err)
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failover policies: %w", err)
	}

	return policies, nil
}

// Delete removes a per-machine row so the machine falls back to the global
// default. The global row itself cannot be deleted.
func (s *PolicyStore) Delete(ctx context.Context, machineID string) error {
	if machineID == "" {
		return fmt.Errorf("cannot delete the global policy")
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM failover_policies WHERE machine_id = ?`, machineID)
	if err != nil {
		return fmt.Errorf("failed to delete failover policy: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const selectPolicy = `
	SELECT
		machine_id, default_strategy,
		warm_pool, regional_volume, cpu_standby,
		override, updated_at
	FROM failover_policies
`

func (s *PolicyStore) get(ctx context.Context, machineID string) (*models.FailoverPolicy, error) {
	query := selectPolicy + ` WHERE machine_id = ?`

	policy, err := scanPolicy(s.db.QueryRowContext(ctx, query, machineID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failover policy: %w", err)
	}
	return policy, nil
}

func scanPolicy(row rowScanner) (*models.FailoverPolicy, error) {
	policy := &models.FailoverPolicy{}
	var warmPool, regionalVolume, cpuStandby string

	err := row.Scan(
		&policy.MachineID, &policy.DefaultStrategy,
		&warmPool, &regionalVolume, &cpuStandby,
		&policy.Override, &policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(warmPool), &policy.WarmPool); err != nil {
		return nil, fmt.Errorf("failed to decode warm pool config: %w", err)
	}
	if err := json.Unmarshal([]byte(regionalVolume), &policy.RegionalVolume); err != nil {
		return nil, fmt.Errorf("failed to decode regional volume config: %w", err)
	}
	if err := json.Unmarshal([]byte(cpuStandby), &policy.CPUStandby); err != nil {
		return nil, fmt.Errorf("failed to decode cpu standby config: %w", err)
	}

	return policy, nil
}
