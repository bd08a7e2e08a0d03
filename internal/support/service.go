package support

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-server/internal/events"
	"voice-server/internal/observability"
	"voice-server/internal/store"

	"github.com/google/uuid"
)

// AgentInstructions is the persona the voice agent runs with by default.
const AgentInstructions = `You are Ava, a friendly customer support agent for a retail bank, speaking with a caller on the phone.

Your main functions are:
1. Look up a client's products and open support cases with 'get_client_products_by_client_id' once the caller provides their client ID.
2. Open a support case with 'create_support_case' when the caller reports a problem that needs follow-up.
3. Send a written recap with 'send_conversation_summary' so the client has a record of the call.

Guidelines:
- Greet the caller warmly and ask for their client ID early in the conversation.
- Confirm the client ID back to the caller before using it.
- Keep answers short and conversational, this is a live phone call.
- Only state products and cases the tools actually return, never invent them.
- BEFORE ending a call with an identified client, ALWAYS send the conversation summary with 'send_conversation_summary'.
- If a tool reports an error, apologize and ask the caller to verify their client ID.`

// ClientStore is the persistence surface the support tools depend on.
type ClientStore interface {
	GetClientByClientID(ctx context.Context, clientID string) (*store.Client, error)
	GetClientProducts(ctx context.Context, clientID string) ([]store.ClientProduct, error)
	GetOpenCasesByClientID(ctx context.Context, clientID string) ([]store.SupportCase, error)
	CreateSupportCase(ctx context.Context, clientID uuid.UUID, description string) (*store.SupportCase, error)
}

// SummaryMailer sends client-facing emails for the support tools.
type SummaryMailer interface {
	SendCallSummaryEmail(ctx context.Context, to, clientName, clientID, summary, caseID string) (string, error)
	SendCaseOpenedEmail(ctx context.Context, to, clientName, description, caseID string) error
}

// Service implements the support-desk tools the voice agent can invoke.
type Service struct {
	store  ClientStore
	mailer SummaryMailer
	events *events.Dispatcher
	logger *observability.Logger
}

func New(clientStore ClientStore, mailer SummaryMailer, dispatcher *events.Dispatcher, logger *observability.Logger) *Service {
	return &Service{
		store:  clientStore,
		mailer: mailer,
		events: dispatcher,
		logger: logger,
	}
}

type productItem struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type caseItem struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedDate string `json:"created_date"`
}

type clientProductsResult struct {
	ClientName string        `json:"client_name"`
	Products   []productItem `json:"products"`
	OpenCases  []caseItem    `json:"open_cases"`
}

type caseCreatedResult struct {
	CaseID      string `json:"case_id"`
	ClientName  string `json:"client_name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

type summarySentResult struct {
	Message     string `json:"message"`
	OperationID string `json:"operation_id"`
	CaseID      string `json:"case_id"`
}

// summaryRefLength is how much of a UUID becomes the human-readable case
// reference quoted in summary emails.
const summaryRefLength = 13

func (s *Service) lookupClient(ctx context.Context, clientID string) (*store.Client, error) {
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}
	client, err := s.store.GetClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("client with ID %s not found", clientID)
		}
		s.logger.Error(ctx, "failed to look up client", err)
		return nil, fmt.Errorf("failed to look up client %s", clientID)
	}
	return client, nil
}

// GetClientProducts returns the client's name, products and open support
// cases, newest cases first.
func (s *Service) GetClientProducts(ctx context.Context, clientID string) (any, error) {
	client, err := s.lookupClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	products, err := s.store.GetClientProducts(ctx, clientID)
	if err != nil {
		s.logger.Error(ctx, "failed to load client products", err)
		return nil, fmt.Errorf("failed to load products for client %s", clientID)
	}
	cases, err := s.store.GetOpenCasesByClientID(ctx, clientID)
	if err != nil {
		s.logger.Error(ctx, "failed to load open cases", err)
		return nil, fmt.Errorf("failed to load open cases for client %s", clientID)
	}

	result := clientProductsResult{
		ClientName: client.Name,
		Products:   make([]productItem, 0, len(products)),
		OpenCases:  make([]caseItem, 0, len(cases)),
	}
	for _, p := range products {
		result.Products = append(result.Products, productItem{Name: p.ProductName, Type: p.ProductType})
	}
	for _, c := range cases {
		result.OpenCases = append(result.OpenCases, caseItem{
			ID:          c.ID.String(),
			Description: c.Description,
			Status:      c.Status,
			CreatedDate: c.CreatedAt.Format(time.RFC3339),
		})
	}
	return result, nil
}

// CreateSupportCase opens a case for the client and confirms it. The client
// is notified by email best effort.
func (s *Service) CreateSupportCase(ctx context.Context, clientID, description string) (any, error) {
	if description == "" {
		return nil, errors.New("description is required")
	}
	client, err := s.lookupClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	created, err := s.store.CreateSupportCase(ctx, client.ID, description)
	if err != nil {
		s.logger.Error(ctx, "failed to create support case", err)
		return nil, fmt.Errorf("failed to create support case for client %s", clientID)
	}

	s.events.CaseCreated(ctx, created.ID.String(), clientID)
	if err := s.mailer.SendCaseOpenedEmail(ctx, client.Email, client.Name, description, created.ID.String()); err != nil {
		s.logger.WarnWithError(ctx, "Case opened email not sent", err)
	}

	return caseCreatedResult{
		CaseID:      created.ID.String(),
		ClientName:  client.Name,
		Description: created.Description,
		Status:      created.Status,
		Message:     fmt.Sprintf("Support case created successfully for %s", client.Name),
	}, nil
}

// SendConversationSummary emails the conversation recap to the client's
// address on file and reports the generated case reference.
func (s *Service) SendConversationSummary(ctx context.Context, clientID, summary string) (any, error) {
	if summary == "" {
		return nil, errors.New("conversation_summary is required")
	}
	client, err := s.lookupClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	caseID := uuid.NewString()[:summaryRefLength]
	operationID, err := s.mailer.SendCallSummaryEmail(ctx, client.Email, client.Name, clientID, summary, caseID)
	if err != nil {
		s.logger.Error(ctx, "failed to send conversation summary", err)
		return nil, fmt.Errorf("failed to send summary email to client %s", clientID)
	}

	return summarySentResult{
		Message:     fmt.Sprintf("Summary sent successfully to %s (%s)", client.Name, client.Email),
		OperationID: operationID,
		CaseID:      caseID,
	}, nil
}
