package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client is a support customer identified to the agent by its external client ID.
type Client struct {
	ID        uuid.UUID `db:"id"`
	ClientID  string    `db:"client_id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}

// ClientProduct is one contracted product row for a client.
type ClientProduct struct {
	ProductName string `db:"product_name"`
	ProductType string `db:"product_type"`
}

const sqlGetClientByClientID = `
SELECT id, client_id, name, email, created_at FROM clients WHERE client_id = $1`

func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	err := s.db.GetContext(ctx, &client, sqlGetClientByClientID, clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get client by client ID", err)
		return nil, fmt.Errorf("failed to get client by client ID: %w", err)
	}
	return &client, nil
}

const sqlGetClientProducts = `
SELECT p.name AS product_name, p.type AS product_type
FROM client_products cp
JOIN products p ON p.id = cp.product_id
JOIN clients c ON c.id = cp.client_id
WHERE c.client_id = $1
ORDER BY p.name ASC`

func (s *Store) GetClientProducts(ctx context.Context, clientID string) ([]ClientProduct, error) {
	var products []ClientProduct
	err := s.db.SelectContext(ctx, &products, sqlGetClientProducts, clientID)
	if err != nil {
		s.logger.Error(ctx, "failed to get client products", err)
		return nil, fmt.Errorf("failed to get client products: %w", err)
	}
	return products, nil
}
