package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Call is the persisted lifecycle record of a single bridged call.
type Call struct {
	ID         uuid.UUID      `db:"id"`
	CallSID    string         `db:"call_sid"`
	Transport  string         `db:"transport"`
	Provider   string         `db:"provider"`
	Caller     sql.NullString `db:"caller"`
	State      string         `db:"state"`
	Reason     sql.NullString `db:"reason"`
	StartedAt  time.Time      `db:"started_at"`
	AnsweredAt sql.NullTime   `db:"answered_at"`
	EndedAt    sql.NullTime   `db:"ended_at"`
}

const CallStateInitiated = "initiated"
const CallStateConnecting = "connecting"
const CallStateActive = "active"
const CallStateEnded = "ended"

// UpsertCallParams identifies a call at the moment it first becomes known,
// either from the answer webhook or from the media socket start message.
type UpsertCallParams struct {
	CallSID   string
	Transport string
	Provider  string
	Caller    string
}

const sqlUpsertCall = `
INSERT INTO calls (call_sid, transport, provider, caller, state)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (call_sid) DO UPDATE SET transport = EXCLUDED.transport
RETURNING id, call_sid, transport, provider, caller, state, reason, started_at, answered_at, ended_at`

func (s *Store) UpsertCall(ctx context.Context, params UpsertCallParams) (*Call, error) {
	var call Call
	err := s.db.GetContext(ctx, &call, sqlUpsertCall,
		params.CallSID, params.Transport, params.Provider, params.Caller, CallStateInitiated)
	if err != nil {
		s.logger.Error(ctx, "failed to upsert call", err)
		return nil, fmt.Errorf("failed to upsert call: %w", err)
	}
	return &call, nil
}

const sqlUpdateCallState = `
UPDATE calls SET state = $1 WHERE call_sid = $2 AND state != $3`

func (s *Store) UpdateCallState(ctx context.Context, callSID, state string) error {
	// Ended rows are final, late webhook retries must not resurrect them.
	result, err := s.db.ExecContext(ctx, sqlUpdateCallState, state, callSID, CallStateEnded)
	if err != nil {
		s.logger.Error(ctx, "failed to update call state", err)
		return fmt.Errorf("failed to update call state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		s.logger.Error(ctx, "failed to get rows affected", err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlMarkCallAnswered = `
UPDATE calls SET state = $1, answered_at = NOW() WHERE call_sid = $2 AND answered_at IS NULL`

func (s *Store) MarkCallAnswered(ctx context.Context, callSID string) error {
	result, err := s.db.ExecContext(ctx, sqlMarkCallAnswered, CallStateActive, callSID)
	if err != nil {
		s.logger.Error(ctx, "failed to mark call answered", err)
		return fmt.Errorf("failed to mark call answered: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		s.logger.Error(ctx, "failed to get rows affected", err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlEndCall = `
UPDATE calls SET state = $1, reason = $2, ended_at = NOW() WHERE call_sid = $3 AND ended_at IS NULL`

func (s *Store) EndCall(ctx context.Context, callSID, reason string) error {
	result, err := s.db.ExecContext(ctx, sqlEndCall, CallStateEnded, reason, callSID)
	if err != nil {
		s.logger.Error(ctx, "failed to end call", err)
		return fmt.Errorf("failed to end call: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		s.logger.Error(ctx, "failed to get rows affected", err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlGetCallBySID = `
SELECT id, call_sid, transport, provider, caller, state, reason, started_at, answered_at, ended_at
FROM calls WHERE call_sid = $1`

func (s *Store) GetCallBySID(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	err := s.db.GetContext(ctx, &call, sqlGetCallBySID, callSID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get call by SID", err)
		return nil, fmt.Errorf("failed to get call by SID: %w", err)
	}
	return &call, nil
}

const sqlListRecentCalls = `
SELECT id, call_sid, transport, provider, caller, state, reason, started_at, answered_at, ended_at
FROM calls ORDER BY started_at DESC LIMIT $1`

func (s *Store) ListRecentCalls(ctx context.Context, limit int) ([]Call, error) {
	var calls []Call
	err := s.db.SelectContext(ctx, &calls, sqlListRecentCalls, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to list recent calls", err)
		return nil, fmt.Errorf("failed to list recent calls: %w", err)
	}
	return calls, nil
}
