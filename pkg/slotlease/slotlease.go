// Package slotlease implements the fixed-size preview-slot leasing pool:
// acquire, release, heartbeat, TTL reaping, and state listing, all operating
// under row locks acquired by the caller's transaction.
package slotlease

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/internal/telemetry"
	"github.com/oroboros/controlplane/pkg/eventlog"
	"github.com/oroboros/controlplane/pkg/runstate"
)

// WaitingForSlotReason is the queue_reason returned when no slot is free.
const WaitingForSlotReason = "WAITING_FOR_SLOT"

const (
	stateLeased   = "leased"
	stateReleased = "released"
	stateExpired  = "expired"
)

// Lease is one row of the slot_leases table.
type Lease struct {
	SlotID      string
	RunID       string
	LeaseState  string
	LeasedAt    time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Acquired    bool
	SlotID      string
	QueueReason string
	ExpiresAt   *time.Time
	TTLSeconds  int
}

// Manager leases slots from a fixed configured pool. SlotIDs and
// LeaseTTL mirror SLOT_IDS_CSV / SLOT_LEASE_TTL_SECONDS (internal/config).
type Manager struct {
	SlotIDs  []string
	LeaseTTL time.Duration
}

// NewManager builds a Manager from its configured slot pool and TTL.
func NewManager(slotIDs []string, ttlSeconds int) *Manager {
	ttl := ttlSeconds
	if ttl < 30 {
		ttl = 30
	}
	return &Manager{SlotIDs: slotIDs, LeaseTTL: time.Duration(ttl) * time.Second}
}

func (m *Manager) slotIDs() []string {
	if len(m.SlotIDs) == 0 {
		return []string{"preview-1", "preview-2", "preview-3"}
	}
	return m.SlotIDs
}

func (m *Manager) loadLeaseMap(ctx context.Context, tx store.DBTX, slotIDs []string) (map[string]Lease, error) {
	rows, err := tx.Query(ctx, `
		SELECT slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at
		FROM slot_leases
		WHERE slot_id = ANY($1)
		FOR UPDATE
	`, slotIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Lease)
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.SlotID, &l.RunID, &l.LeaseState, &l.LeasedAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
			return nil, err
		}
		out[l.SlotID] = l
	}
	return out, rows.Err()
}

// expireLeaseAndLinkRun marks lease expired and, if the owning run still
// points at this slot, clears the run's slot assignment and — when the
// run's current state allows it — transitions the run to expired with
// PREVIEW_EXPIRED, a recoverable failure.
func (m *Manager) expireLeaseAndLinkRun(ctx context.Context, tx store.DBTX, lease Lease, now time.Time, source string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE slot_leases SET lease_state = $1, heartbeat_at = $2 WHERE slot_id = $3
	`, stateExpired, now, lease.SlotID); err != nil {
		return err
	}
	telemetry.SlotLeaseExpiredTotal.WithLabelValues(lease.SlotID).Inc()

	var runStatus string
	var runSlotID *string
	err := tx.QueryRow(ctx, `SELECT status, slot_id FROM runs WHERE id = $1`, lease.RunID).Scan(&runStatus, &runSlotID)
	if err != nil {
		if err == store.ErrNoRows {
			return m.logSkipped(ctx, tx, lease, source)
		}
		return err
	}

	if runSlotID == nil || *runSlotID != lease.SlotID {
		return m.logSlotExpired(ctx, tx, lease, source)
	}

	if _, err := tx.Exec(ctx, `UPDATE runs SET slot_id = NULL WHERE id = $1`, lease.RunID); err != nil {
		return err
	}

	if err := m.markRunExpiredForSlotTTL(ctx, tx, lease.RunID, runStatus, lease.SlotID, source); err != nil {
		return err
	}

	return m.logSlotExpired(ctx, tx, lease, source)
}

func (m *Manager) logSlotExpired(ctx context.Context, tx store.DBTX, lease Lease, source string) error {
	_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     lease.RunID,
		EventType: "slot_expired",
		Payload: map[string]any{
			"slot_id": lease.SlotID,
			"reason":  "PREVIEW_EXPIRED",
			"source":  source,
		},
	})
	return err
}

func (m *Manager) logSkipped(ctx context.Context, tx store.DBTX, lease Lease, source string) error {
	_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     lease.RunID,
		EventType: "slot_expiry_transition_skipped",
		Payload: map[string]any{
			"slot_id": lease.SlotID,
			"source":  source,
			"reason":  "run_not_found",
		},
	})
	return err
}

func (m *Manager) markRunExpiredForSlotTTL(ctx context.Context, tx store.DBTX, runID, runStatus, slotID, source string) error {
	current := runstate.State(runStatus)
	if current == runstate.Expired {
		return nil
	}

	if err := runstate.EnsureTransitionAllowed(current, runstate.Expired, nil); err != nil {
		_, appendErr := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "slot_expiry_transition_skipped",
			Payload: map[string]any{
				"slot_id":    slotID,
				"source":     source,
				"run_status": runStatus,
				"reason":     "invalid_transition",
			},
		})
		return appendErr
	}

	if _, err := tx.Exec(ctx, `UPDATE runs SET status = $1, failure_reason_code = $2, updated_at = now() WHERE id = $3`,
		runstate.Expired, string(runstate.PreviewExpired), runID); err != nil {
		return err
	}

	statusFrom := runStatus
	statusTo := string(runstate.Expired)
	_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:      runID,
		EventType:  "status_transition",
		StatusFrom: &statusFrom,
		StatusTo:   &statusTo,
		Payload: map[string]any{
			"source":               source,
			"reason":               "PREVIEW_EXPIRED",
			"failure_reason_code":  "PREVIEW_EXPIRED",
			"recoverable":          true,
			"recovery_strategy":    "create_child_run",
			"resume_endpoint":      fmt.Sprintf("/api/runs/%s/resume", runID),
			"slot_id":              slotID,
		},
		AuditAction: "run_expired_preview_ttl",
	})
	return err
}

// ExpireRunResult reports the outcome of ExpireRun.
type ExpireRunResult struct {
	RunID  string `json:"run_id"`
	SlotID string `json:"slot_id,omitempty"`
}

// ExpireRun drives the same transition-to-expired-with-cleanup pipeline the
// TTL reaper and heartbeat-rejection path use, addressed by run_id instead
// of slot_id. It backs a direct POST /api/runs/{id}/expire call: a run
// holding a live lease
// has that lease expired (expireLeaseAndLinkRun also transitions the run);
// a run with no lease is transitioned directly.
func (m *Manager) ExpireRun(ctx context.Context, tx store.DBTX, runID, source string) (ExpireRunResult, error) {
	var lease Lease
	err := tx.QueryRow(ctx, `
		SELECT slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at
		FROM slot_leases WHERE run_id = $1 AND lease_state = $2 FOR UPDATE
	`, runID, stateLeased).Scan(&lease.SlotID, &lease.RunID, &lease.LeaseState,
		&lease.LeasedAt, &lease.ExpiresAt, &lease.HeartbeatAt)
	if err != nil && err != store.ErrNoRows {
		return ExpireRunResult{}, err
	}

	if err == store.ErrNoRows {
		var runStatus string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&runStatus); err != nil {
			return ExpireRunResult{}, err
		}
		if err := m.markRunExpiredForSlotTTL(ctx, tx, runID, runStatus, "", source); err != nil {
			return ExpireRunResult{}, err
		}
		return ExpireRunResult{RunID: runID}, nil
	}

	if err := m.expireLeaseAndLinkRun(ctx, tx, lease, time.Now().UTC(), source); err != nil {
		return ExpireRunResult{}, err
	}
	return ExpireRunResult{RunID: runID, SlotID: lease.SlotID}, nil
}

// Acquire assigns a free slot to runID, reaping any expired leases it
// encounters along the way. Calling Acquire again for a run that already
// holds a live lease is idempotent and returns the same slot.
func (m *Manager) Acquire(ctx context.Context, tx store.DBTX, runID string) (AcquireResult, error) {
	now := time.Now().UTC()
	slotIDs := m.slotIDs()

	leaseMap, err := m.loadLeaseMap(ctx, tx, slotIDs)
	if err != nil {
		return AcquireResult{}, err
	}

	for _, lease := range leaseMap {
		if lease.LeaseState == stateLeased && !lease.ExpiresAt.After(now) {
			if err := m.expireLeaseAndLinkRun(ctx, tx, lease, now, "slot_acquire_ttl_reaper"); err != nil {
				return AcquireResult{}, err
			}
		}
	}

	for _, lease := range leaseMap {
		if lease.RunID == runID && lease.LeaseState == stateLeased && lease.ExpiresAt.After(now) {
			if _, err := tx.Exec(ctx, `UPDATE runs SET slot_id = $1 WHERE id = $2`, lease.SlotID, runID); err != nil {
				return AcquireResult{}, err
			}
			if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
				RunID:     runID,
				EventType: "slot_acquire_idempotent",
				Payload:   map[string]any{"slot_id": lease.SlotID, "expires_at": lease.ExpiresAt},
			}); err != nil {
				return AcquireResult{}, err
			}
			expiresAt := lease.ExpiresAt
			telemetry.SlotLeaseAcquireTotal.WithLabelValues("idempotent").Inc()
			return AcquireResult{Acquired: true, SlotID: lease.SlotID, ExpiresAt: &expiresAt, TTLSeconds: int(m.LeaseTTL.Seconds())}, nil
		}
	}

	occupied := make(map[string]bool)
	for slotID, lease := range leaseMap {
		if lease.LeaseState == stateLeased && lease.ExpiresAt.After(now) {
			occupied[slotID] = true
		}
	}

	var free []string
	for _, slotID := range slotIDs {
		if !occupied[slotID] {
			free = append(free, slotID)
		}
	}

	if len(free) == 0 {
		occupiedList := make([]string, 0, len(occupied))
		for slotID := range occupied {
			occupiedList = append(occupiedList, slotID)
		}
		sort.Strings(occupiedList)
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "slot_waiting",
			Payload: map[string]any{
				"reason":          WaitingForSlotReason,
				"occupied_slots":  occupiedList,
				"queue_behavior":  "run_kept_queued_while_waiting_for_slot",
			},
		}); err != nil {
			return AcquireResult{}, err
		}
		telemetry.SlotLeaseAcquireTotal.WithLabelValues("waiting").Inc()
		return AcquireResult{Acquired: false, QueueReason: WaitingForSlotReason, TTLSeconds: int(m.LeaseTTL.Seconds())}, nil
	}

	selected := free[0]
	expiry := now.Add(m.LeaseTTL)

	if _, ok := leaseMap[selected]; ok {
		if _, err := tx.Exec(ctx, `
			UPDATE slot_leases SET run_id = $1, lease_state = $2, leased_at = $3, expires_at = $4, heartbeat_at = $5
			WHERE slot_id = $6
		`, runID, stateLeased, now, expiry, now, selected); err != nil {
			return AcquireResult{}, err
		}
	} else {
		if _, err := tx.Exec(ctx, `
			INSERT INTO slot_leases (slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, selected, runID, stateLeased, now, expiry, now); err != nil {
			return AcquireResult{}, err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE runs SET slot_id = $1 WHERE id = $2`, selected, runID); err != nil {
		return AcquireResult{}, err
	}

	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     runID,
		EventType: "slot_acquired",
		Payload:   map[string]any{"slot_id": selected, "expires_at": expiry, "ttl_seconds": int(m.LeaseTTL.Seconds())},
	}); err != nil {
		return AcquireResult{}, err
	}

	telemetry.SlotLeaseAcquireTotal.WithLabelValues("acquired").Inc()
	return AcquireResult{Acquired: true, SlotID: selected, ExpiresAt: &expiry, TTLSeconds: int(m.LeaseTTL.Seconds())}, nil
}

// ReleaseResult is the outcome of Release.
type ReleaseResult struct {
	Released bool
	SlotID   string
	RunID    string
	Reason   string
}

// Release marks a slot released. If expectedRunID is non-empty, Release
// refuses to act on a slot owned by a different run.
func (m *Manager) Release(ctx context.Context, tx store.DBTX, slotID, expectedRunID string) (ReleaseResult, error) {
	var lease Lease
	err := tx.QueryRow(ctx, `
		SELECT slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at
		FROM slot_leases WHERE slot_id = $1 FOR UPDATE
	`, slotID).Scan(&lease.SlotID, &lease.RunID, &lease.LeaseState, &lease.LeasedAt, &lease.ExpiresAt, &lease.HeartbeatAt)
	if err == store.ErrNoRows {
		return ReleaseResult{SlotID: slotID, RunID: expectedRunID, Reason: "slot_not_found"}, nil
	}
	if err != nil {
		return ReleaseResult{}, err
	}

	if expectedRunID != "" && lease.RunID != expectedRunID {
		return ReleaseResult{SlotID: slotID, RunID: expectedRunID, Reason: "slot_owned_by_different_run"}, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE slot_leases SET lease_state = $1, expires_at = $2, heartbeat_at = $3 WHERE slot_id = $4
	`, stateReleased, now, now, slotID); err != nil {
		return ReleaseResult{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE runs SET slot_id = NULL WHERE id = $1 AND slot_id = $2
	`, lease.RunID, slotID); err != nil {
		return ReleaseResult{}, err
	}

	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     lease.RunID,
		EventType: "slot_released",
		Payload:   map[string]any{"slot_id": slotID},
	}); err != nil {
		return ReleaseResult{}, err
	}

	return ReleaseResult{Released: true, SlotID: slotID, RunID: lease.RunID}, nil
}

// HeartbeatResult is the outcome of Heartbeat.
type HeartbeatResult struct {
	Updated   bool
	SlotID    string
	RunID     string
	Reason    string
	ExpiresAt *time.Time
}

// Heartbeat extends a live lease's TTL. A lease that has already expired
// is reaped in the same call and rejected; a released lease is rejected
// without reaping; a slot not held by runID reports lease_not_found.
func (m *Manager) Heartbeat(ctx context.Context, tx store.DBTX, slotID, runID string) (HeartbeatResult, error) {
	var lease Lease
	err := tx.QueryRow(ctx, `
		SELECT slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at
		FROM slot_leases WHERE slot_id = $1 AND run_id = $2 FOR UPDATE
	`, slotID, runID).Scan(&lease.SlotID, &lease.RunID, &lease.LeaseState, &lease.LeasedAt, &lease.ExpiresAt, &lease.HeartbeatAt)
	if err == store.ErrNoRows {
		return HeartbeatResult{SlotID: slotID, RunID: runID, Reason: "lease_not_found"}, nil
	}
	if err != nil {
		return HeartbeatResult{}, err
	}

	now := time.Now().UTC()
	if lease.LeaseState == stateReleased {
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "slot_heartbeat_rejected",
			Payload:   map[string]any{"slot_id": slotID, "reason": "lease_released"},
		}); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{SlotID: slotID, RunID: runID, Reason: "lease_released"}, nil
	}
	if lease.LeaseState != stateLeased || !lease.ExpiresAt.After(now) {
		if err := m.expireLeaseAndLinkRun(ctx, tx, lease, now, "slot_heartbeat"); err != nil {
			return HeartbeatResult{}, err
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "slot_heartbeat_rejected",
			Payload:   map[string]any{"slot_id": slotID, "reason": "lease_expired"},
		}); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{SlotID: slotID, RunID: runID, Reason: "lease_expired"}, nil
	}

	newExpiry := now.Add(m.LeaseTTL)
	if _, err := tx.Exec(ctx, `
		UPDATE slot_leases SET heartbeat_at = $1, expires_at = $2 WHERE slot_id = $3 AND run_id = $4
	`, now, newExpiry, slotID, runID); err != nil {
		return HeartbeatResult{}, err
	}

	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     runID,
		EventType: "slot_heartbeat",
		Payload:   map[string]any{"slot_id": slotID, "expires_at": newExpiry, "ttl_seconds": int(m.LeaseTTL.Seconds())},
	}); err != nil {
		return HeartbeatResult{}, err
	}

	return HeartbeatResult{Updated: true, SlotID: slotID, RunID: runID, ExpiresAt: &newExpiry}, nil
}

// ReapResult reports how many leases ReapExpired expired.
type ReapResult struct {
	ExpiredCount int
	ExpiredSlots []string
}

// ReapExpired expires every leased slot whose TTL has elapsed. Called
// periodically by the worker orchestrator's background loop.
func (m *Manager) ReapExpired(ctx context.Context, tx store.DBTX) (ReapResult, error) {
	now := time.Now().UTC()

	rows, err := tx.Query(ctx, `
		SELECT slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at
		FROM slot_leases WHERE lease_state = $1 FOR UPDATE
	`, stateLeased)
	if err != nil {
		return ReapResult{}, err
	}
	var leases []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.SlotID, &l.RunID, &l.LeaseState, &l.LeasedAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
			rows.Close()
			return ReapResult{}, err
		}
		leases = append(leases, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ReapResult{}, err
	}

	var expiredSlots []string
	for _, lease := range leases {
		if lease.ExpiresAt.After(now) {
			continue
		}
		if err := m.expireLeaseAndLinkRun(ctx, tx, lease, now, "slot_reaper"); err != nil {
			return ReapResult{}, err
		}
		expiredSlots = append(expiredSlots, lease.SlotID)
	}
	sort.Strings(expiredSlots)

	return ReapResult{ExpiredCount: len(expiredSlots), ExpiredSlots: expiredSlots}, nil
}

// SlotState describes one configured slot's current effective state.
type SlotState struct {
	SlotID      string
	State       string
	RunID       *string
	LeaseState  *string
	ExpiresAt   *time.Time
	HeartbeatAt *time.Time
}

// ListStates reports the effective state of every configured slot.
func (m *Manager) ListStates(ctx context.Context, tx store.DBTX) ([]SlotState, error) {
	now := time.Now().UTC()
	slotIDs := m.slotIDs()

	leaseMap, err := m.loadLeaseMap(ctx, tx, slotIDs)
	if err != nil {
		return nil, err
	}

	states := make([]SlotState, 0, len(slotIDs))
	for _, slotID := range slotIDs {
		lease, ok := leaseMap[slotID]
		if !ok {
			states = append(states, SlotState{SlotID: slotID, State: "available"})
			continue
		}

		effective := lease.LeaseState
		if lease.LeaseState == stateLeased && !lease.ExpiresAt.After(now) {
			effective = stateExpired
		}

		runID := lease.RunID
		leaseState := lease.LeaseState
		expiresAt := lease.ExpiresAt
		heartbeatAt := lease.HeartbeatAt
		states = append(states, SlotState{
			SlotID:      slotID,
			State:       effective,
			RunID:       &runID,
			LeaseState:  &leaseState,
			ExpiresAt:   &expiresAt,
			HeartbeatAt: &heartbeatAt,
		})
	}

	return states, nil
}
