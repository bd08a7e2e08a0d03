package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Fixtures provides factory functions for creating test data.
// All factory methods use testify/require to fail fast on errors.
type Fixtures struct {
	t      *testing.T
	testDB *TestDB
	ctx    context.Context
}

// NewFixtures creates a new Fixtures instance for test data generation.
func NewFixtures(t *testing.T, testDB *TestDB) *Fixtures {
	t.Helper()
	return &Fixtures{
		t:      t,
		testDB: testDB,
		ctx:    context.Background(),
	}
}

// ClientOpts customizes client creation.
type ClientOpts struct {
	ClientID string
	Name     string
	Email    string
}

// DefaultClientOpts returns sensible defaults for client creation.
func DefaultClientOpts() ClientOpts {
	return ClientOpts{
		ClientID: fmt.Sprintf("CL-%s", uuid.New().String()[:8]),
		Name:     "Test Client",
		Email:    "client@example.com",
	}
}

// CreateClient creates a test client with optional customization.
func (f *Fixtures) CreateClient(opts ...func(*ClientOpts)) Client {
	f.t.Helper()
	o := DefaultClientOpts()
	for _, fn := range opts {
		fn(&o)
	}

	var client Client
	query := `INSERT INTO clients (client_id, name, email) VALUES ($1, $2, $3)
		RETURNING id, client_id, name, email, created_at`
	err := f.testDB.GetDB().GetContext(f.ctx, &client, query, o.ClientID, o.Name, o.Email)
	require.NoError(f.t, err, "failed to create test client")
	return client
}

// CreateProduct creates a test product row.
func (f *Fixtures) CreateProduct(name, productType string) uuid.UUID {
	f.t.Helper()
	var id uuid.UUID
	query := `INSERT INTO products (name, type) VALUES ($1, $2) RETURNING id`
	err := f.testDB.GetDB().GetContext(f.ctx, &id, query, name, productType)
	require.NoError(f.t, err, "failed to create test product")
	return id
}

// AttachProduct links a product to a client.
func (f *Fixtures) AttachProduct(clientID, productID uuid.UUID) {
	f.t.Helper()
	query := `INSERT INTO client_products (client_id, product_id) VALUES ($1, $2)`
	_, err := f.testDB.GetDB().Exec(query, clientID, productID)
	require.NoError(f.t, err, "failed to attach product to client")
}

// CreateSupportCase creates a test support case with the given status.
func (f *Fixtures) CreateSupportCase(clientID uuid.UUID, description, status string) SupportCase {
	f.t.Helper()
	var supportCase SupportCase
	query := `INSERT INTO support_cases (client_id, description, status) VALUES ($1, $2, $3)
		RETURNING id, client_id, description, status, created_at`
	err := f.testDB.GetDB().GetContext(f.ctx, &supportCase, query, clientID, description, status)
	require.NoError(f.t, err, "failed to create test support case")
	return supportCase
}

// createTestClient creates a test client (backward compatible helper).
func createTestClient(t *testing.T, testDB *TestDB, clientID string) Client {
	t.Helper()
	f := NewFixtures(t, testDB)
	return f.CreateClient(func(o *ClientOpts) {
		o.ClientID = clientID
	})
}
