package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SupportCase is a single support ticket for a client.
type SupportCase struct {
	ID          uuid.UUID `db:"id"`
	ClientID    uuid.UUID `db:"client_id"`
	Description string    `db:"description"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
}

const CaseStatusOpen = "open"
const CaseStatusInProgress = "in_progress"
const CaseStatusClosed = "closed"

const sqlCreateSupportCase = `
INSERT INTO support_cases (client_id, description, status)
VALUES ($1, $2, $3)
RETURNING id, client_id, description, status, created_at`

func (s *Store) CreateSupportCase(ctx context.Context, clientID uuid.UUID, description string) (*SupportCase, error) {
	var supportCase SupportCase
	err := s.db.GetContext(ctx, &supportCase, sqlCreateSupportCase, clientID, description, CaseStatusOpen)
	if err != nil {
		s.logger.Error(ctx, "failed to create support case", err)
		return nil, fmt.Errorf("failed to create support case: %w", err)
	}
	return &supportCase, nil
}

const sqlGetOpenCasesByClientID = `
SELECT sc.id, sc.client_id, sc.description, sc.status, sc.created_at
FROM support_cases sc
JOIN clients c ON c.id = sc.client_id
WHERE c.client_id = $1 AND sc.status IN ('open', 'in_progress')
ORDER BY sc.created_at DESC`

func (s *Store) GetOpenCasesByClientID(ctx context.Context, clientID string) ([]SupportCase, error) {
	var cases []SupportCase
	err := s.db.SelectContext(ctx, &cases, sqlGetOpenCasesByClientID, clientID)
	if err != nil {
		s.logger.Error(ctx, "failed to get open cases by client ID", err)
		return nil, fmt.Errorf("failed to get open cases by client ID: %w", err)
	}
	return cases, nil
}
