package support

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/store"

	"github.com/google/uuid"
)

type fakeStore struct {
	mu       sync.Mutex
	clients  map[string]*store.Client
	products map[string][]store.ClientProduct
	cases    map[string][]store.SupportCase
	created  []store.SupportCase
	failing  bool
}

func newFakeStore() *fakeStore {
	clientUUID := uuid.New()
	return &fakeStore{
		clients: map[string]*store.Client{
			"CL-1001": {
				ID:       clientUUID,
				ClientID: "CL-1001",
				Name:     "Maria Garcia",
				Email:    "maria@example.com",
			},
		},
		products: map[string][]store.ClientProduct{
			"CL-1001": {
				{ProductName: "Premium Checking", ProductType: "account"},
				{ProductName: "Platinum Card", ProductType: "credit_card"},
			},
		},
		cases: map[string][]store.SupportCase{
			"CL-1001": {
				{
					ID:          uuid.New(),
					ClientID:    clientUUID,
					Description: "Card declined at ATM",
					Status:      store.CaseStatusOpen,
					CreatedAt:   time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
				},
			},
		},
	}
}

func (f *fakeStore) GetClientByClientID(ctx context.Context, clientID string) (*store.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return client, nil
}

func (f *fakeStore) GetClientProducts(ctx context.Context, clientID string) ([]store.ClientProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[clientID], nil
}

func (f *fakeStore) GetOpenCasesByClientID(ctx context.Context, clientID string) ([]store.SupportCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cases[clientID], nil
}

func (f *fakeStore) CreateSupportCase(ctx context.Context, clientID uuid.UUID, description string) (*store.SupportCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("insert failed")
	}
	created := store.SupportCase{
		ID:          uuid.New(),
		ClientID:    clientID,
		Description: description,
		Status:      store.CaseStatusOpen,
		CreatedAt:   time.Now(),
	}
	f.created = append(f.created, created)
	return &created, nil
}

type summaryRecord struct {
	to      string
	name    string
	caseID  string
	summary string
}

type fakeMailer struct {
	mu        sync.Mutex
	summaries []summaryRecord
	caseMails int
	summErr   error
	caseErr   error
}

func (f *fakeMailer) SendCallSummaryEmail(ctx context.Context, to, clientName, clientID, summary, caseID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summErr != nil {
		return "", f.summErr
	}
	f.summaries = append(f.summaries, summaryRecord{to: to, name: clientName, caseID: caseID, summary: summary})
	return "op-123", nil
}

func (f *fakeMailer) SendCaseOpenedEmail(ctx context.Context, to, clientName, description, caseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caseMails++
	return f.caseErr
}

func newTestService(fs *fakeStore, fm *fakeMailer) *Service {
	return New(fs, fm, nil, observability.NewLogger())
}

func TestGetClientProducts(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		wantErr  string
		validate func(t *testing.T, result clientProductsResult)
	}{
		{
			name:     "existing client returns products and open cases",
			clientID: "CL-1001",
			validate: func(t *testing.T, result clientProductsResult) {
				if result.ClientName != "Maria Garcia" {
					t.Errorf("expected client name Maria Garcia, got %q", result.ClientName)
				}
				if len(result.Products) != 2 {
					t.Fatalf("expected 2 products, got %d", len(result.Products))
				}
				if result.Products[0].Name != "Premium Checking" || result.Products[0].Type != "account" {
					t.Errorf("unexpected first product %+v", result.Products[0])
				}
				if len(result.OpenCases) != 1 {
					t.Fatalf("expected 1 open case, got %d", len(result.OpenCases))
				}
				if result.OpenCases[0].Description != "Card declined at ATM" {
					t.Errorf("unexpected case description %q", result.OpenCases[0].Description)
				}
				if result.OpenCases[0].CreatedDate != "2025-03-14T10:00:00Z" {
					t.Errorf("unexpected case date %q", result.OpenCases[0].CreatedDate)
				}
			},
		},
		{
			name:     "unknown client",
			clientID: "CL-9999",
			wantErr:  "client with ID CL-9999 not found",
		},
		{
			name:    "missing client id",
			wantErr: "client_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newTestService(newFakeStore(), &fakeMailer{})
			result, err := service.GetClientProducts(context.Background(), tt.clientID)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.validate(t, result.(clientProductsResult))
		})
	}
}

func TestCreateSupportCase(t *testing.T) {
	tests := []struct {
		name        string
		clientID    string
		description string
		setup       func(fs *fakeStore, fm *fakeMailer)
		wantErr     string
		validate    func(t *testing.T, fs *fakeStore, fm *fakeMailer, result caseCreatedResult)
	}{
		{
			name:        "creates open case and notifies client",
			clientID:    "CL-1001",
			description: "Mobile app login fails",
			validate: func(t *testing.T, fs *fakeStore, fm *fakeMailer, result caseCreatedResult) {
				if result.Status != store.CaseStatusOpen {
					t.Errorf("expected open case, got %q", result.Status)
				}
				if result.Message != "Support case created successfully for Maria Garcia" {
					t.Errorf("unexpected message %q", result.Message)
				}
				if len(fs.created) != 1 || fs.created[0].Description != "Mobile app login fails" {
					t.Errorf("expected one created case with the description, got %+v", fs.created)
				}
				if fm.caseMails != 1 {
					t.Errorf("expected one case opened email, got %d", fm.caseMails)
				}
			},
		},
		{
			name:        "mail failure does not fail the tool",
			clientID:    "CL-1001",
			description: "Statement missing",
			setup: func(fs *fakeStore, fm *fakeMailer) {
				fm.caseErr = errors.New("mail provider down")
			},
			validate: func(t *testing.T, fs *fakeStore, fm *fakeMailer, result caseCreatedResult) {
				if len(fs.created) != 1 {
					t.Errorf("expected case to be created despite mail failure")
				}
			},
		},
		{
			name:        "unknown client",
			clientID:    "CL-404",
			description: "anything",
			wantErr:     "client with ID CL-404 not found",
		},
		{
			name:     "missing description",
			clientID: "CL-1001",
			wantErr:  "description is required",
		},
		{
			name:        "store failure",
			clientID:    "CL-1001",
			description: "anything",
			setup: func(fs *fakeStore, fm *fakeMailer) {
				fs.failing = true
			},
			wantErr: "failed to create support case",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fm := &fakeMailer{}
			if tt.setup != nil {
				tt.setup(fs, fm)
			}
			service := newTestService(fs, fm)
			result, err := service.CreateSupportCase(context.Background(), tt.clientID, tt.description)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.validate(t, fs, fm, result.(caseCreatedResult))
		})
	}
}

func TestSendConversationSummary(t *testing.T) {
	fs := newFakeStore()
	fm := &fakeMailer{}
	service := newTestService(fs, fm)

	result, err := service.SendConversationSummary(context.Background(), "CL-1001", "Reviewed checking account fees.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := result.(summarySentResult)

	if sent.Message != "Summary sent successfully to Maria Garcia (maria@example.com)" {
		t.Errorf("unexpected message %q", sent.Message)
	}
	if sent.OperationID != "op-123" {
		t.Errorf("unexpected operation id %q", sent.OperationID)
	}
	if len(sent.CaseID) != summaryRefLength {
		t.Errorf("expected %d character case reference, got %q", summaryRefLength, sent.CaseID)
	}
	if len(fm.summaries) != 1 {
		t.Fatalf("expected one summary email, got %d", len(fm.summaries))
	}
	if fm.summaries[0].to != "maria@example.com" {
		t.Errorf("expected summary sent to the client's address, got %q", fm.summaries[0].to)
	}
	if fm.summaries[0].caseID != sent.CaseID {
		t.Errorf("expected email and result to share the case reference")
	}
}

func TestSendConversationSummaryFailures(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		summary  string
		setup    func(fm *fakeMailer)
		wantErr  string
	}{
		{
			name:     "unknown client",
			clientID: "CL-404",
			summary:  "anything",
			wantErr:  "client with ID CL-404 not found",
		},
		{
			name:     "missing summary",
			clientID: "CL-1001",
			wantErr:  "conversation_summary is required",
		},
		{
			name:     "mail failure",
			clientID: "CL-1001",
			summary:  "anything",
			setup: func(fm *fakeMailer) {
				fm.summErr = errors.New("mail provider down")
			},
			wantErr: "failed to send summary email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeMailer{}
			if tt.setup != nil {
				tt.setup(fm)
			}
			service := newTestService(newFakeStore(), fm)
			_, err := service.SendConversationSummary(context.Background(), tt.clientID, tt.summary)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestToolsBindArguments(t *testing.T) {
	service := newTestService(newFakeStore(), &fakeMailer{})
	toolset := service.Tools()

	if len(toolset) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(toolset))
	}
	wantNames := []string{"get_client_products_by_client_id", "create_support_case", "send_conversation_summary"}
	for i, want := range wantNames {
		if toolset[i].Definition.Name != want {
			t.Errorf("expected tool %d to be %s, got %s", i, want, toolset[i].Definition.Name)
		}
		if toolset[i].Definition.Parameters["type"] != "object" {
			t.Errorf("expected object parameter schema for %s", want)
		}
	}

	result, err := toolset[0].Handler(context.Background(), json.RawMessage(`{"client_id":"CL-1001"}`))
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	if result.(clientProductsResult).ClientName != "Maria Garcia" {
		t.Errorf("expected handler to reach the service")
	}

	if _, err := toolset[1].Handler(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Errorf("expected error for malformed arguments")
	}
}
