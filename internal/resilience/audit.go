package resilience

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/internal/logging"
)

// DefaultAuditMaxRecords bounds the audit FIFO
const DefaultAuditMaxRecords = 10000

// Audit record categories
const (
	AuditLifecycle       = "lifecycle"
	AuditFailover        = "failover"
	AuditJournal         = "journal"
	AuditRace            = "race"
	AuditBlacklist       = "blacklist"
	AuditWarmPool        = "warm_pool"
	AuditSnapshotCleanup = "snapshot_cleanup"
)

// callsiteExclusions keeps the lifecycle controller and the envelope
// itself out of caller_site so the record names the true initiator
var callsiteExclusions = []string{
	"github.com/gpufleet/gpufleet/internal/resilience",
	"github.com/gpufleet/gpufleet/internal/service/lifecycle",
}

// AuditRecord is one append-only entry. Every state-changing call in
// the system writes exactly one before returning to its caller.
type AuditRecord struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Category   string            `json:"category"`
	Action     string            `json:"action"`
	InstanceID string            `json:"instance_id,omitempty"`
	MachineID  string            `json:"machine_id,omitempty"`
	FailoverID string            `json:"failover_id,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Success    bool              `json:"success"`
	Detail     string            `json:"detail,omitempty"`
	CallerSite string            `json:"caller_site"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditLog is a bounded FIFO of JSON records backed by a line-oriented
// file. Appends are fsynced so records survive a crash; the file is
// compacted once it doubles past the bound.
type AuditLog struct {
	mu         sync.Mutex
	path       string
	maxRecords int
	records    []AuditRecord
	file       *os.File
	fileLines  int
	logger     *slog.Logger

	now func() time.Time
}

// NewAuditLog opens (or creates) the audit log at path, loading the most
// recent maxRecords entries from a previous run
func NewAuditLog(path string, maxRecords int, logger *slog.Logger) (*AuditLog, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultAuditMaxRecords
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	a := &AuditLog{
		path:       path,
		maxRecords: maxRecords,
		logger:     logger.With("component", "audit_log"),
		now:        time.Now,
	}

	if err := a.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a.file = file

	return a, nil
}

// load reads surviving records, keeping only the newest maxRecords
func (a *AuditLog) load() error {
	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crash is expected; skip it
			a.logger.Warn("skipping malformed audit record", "error", err)
			continue
		}
		a.records = append(a.records, rec)
		a.fileLines++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan audit log: %w", err)
	}

	if len(a.records) > a.maxRecords {
		a.records = a.records[len(a.records)-a.maxRecords:]
	}
	return nil
}

// Append writes one record. ID, timestamp, and caller_site are filled
// when absent. The write is durable before Append returns. A nil log
// discards records.
func (a *AuditLog) Append(rec AuditRecord) error {
	if a == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}
	if rec.CallerSite == "" {
		rec.CallerSite = logging.Callsite(callsiteExclusions...)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	a.fileLines++

	a.records = append(a.records, rec)
	if len(a.records) > a.maxRecords {
		a.records = a.records[len(a.records)-a.maxRecords:]
	}

	// Compact once the file holds twice the bound, so steady-state
	// appends stay O(1)
	if a.fileLines > 2*a.maxRecords {
		if err := a.compact(); err != nil {
			a.logger.Error("audit log compaction failed", "error", err)
		}
	}

	return nil
}

// compact rewrites the file with only the retained records. Caller
// holds the lock.
func (a *AuditLog) compact() error {
	tmpPath := a.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range a.records {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := a.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		return err
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	a.file = file
	a.fileLines = len(a.records)

	a.logger.Info("audit log compacted", "records", len(a.records))
	return nil
}

// Records returns up to limit of the newest records, oldest first
// (0 = all retained)
func (a *AuditLog) Records(limit int) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]AuditRecord, n)
	copy(out, a.records[len(a.records)-n:])
	return out
}

// Len returns the number of retained records
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Close releases the underlying file
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
