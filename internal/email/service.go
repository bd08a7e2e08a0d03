package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"voice-server/internal/clients/mail"
	"voice-server/internal/observability"
)

var (
	ErrInvalidEmailAddress = errors.New("invalid email address")
	ErrSendingEmail        = errors.New("error sending email")
	ErrEmptyTemplate       = errors.New("email template is empty")
)

// EmailService handles sending emails
type EmailService struct {
	mailClient    *mail.ResendClient
	logger        *observability.Logger
	defaultSender string
	templates     map[string]string
}

// TemplateData represents the data that can be used in templates
type TemplateData struct {
	ClientName string
	ClientID   string
	Email      string
	Summary    string
	CaseID     string
}

// New creates a new EmailService
func New(mailClient *mail.ResendClient, defaultSender string, logger *observability.Logger) *EmailService {
	return &EmailService{
		mailClient:    mailClient,
		logger:        logger,
		defaultSender: defaultSender,
		templates: map[string]string{
			"conversation_summary": `
			<html>
				<body style="font-family: Arial, sans-serif; color: #333;">
					<p>Dear <strong>{{.ClientName}}</strong>,</p>
					<p>Thank you for contacting our support line. Here is a summary of your recent conversation with our assistant.</p>
					<h3>Client Details</h3>
					<ul>
						<li>ID: {{.ClientID}}</li>
						<li>Name: {{.ClientName}}</li>
						<li>Email: {{.Email}}</li>
					</ul>
					<h3>Conversation Summary</h3>
					<div style="background-color: #f9f9f9; border-left: 4px solid #005f75; padding: 12px; margin: 12px 0;">
						{{.Summary}}
					</div>
					<p>Reference: {{.CaseID}}</p>
					<p>If anything in this summary looks wrong, or you need further assistance, reply to this email or call us during support hours (Monday to Friday, 9am to 6pm).</p>
					<p>Best regards,<br/>The Support Team</p>
				</body>
			</html>
			`,
			"case_opened": `
			<html>
				<body style="font-family: Arial, sans-serif; color: #333;">
					<p>Dear <strong>{{.ClientName}}</strong>,</p>
					<p>A support case has been opened for you:</p>
					<div style="background-color: #f9f9f9; border-left: 4px solid #005f75; padding: 12px; margin: 12px 0;">
						{{.Summary}}
					</div>
					<p>Case reference: {{.CaseID}}</p>
					<p>Our team will follow up as soon as possible.</p>
					<p>Best regards,<br/>The Support Team</p>
				</body>
			</html>
			`,
		},
	}
}

// renderTemplate renders a template with the provided data
func (s *EmailService) renderTemplate(templateName string, data TemplateData) (string, error) {
	tmplStr, ok := s.templates[templateName]
	if !ok {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// SendCallSummaryEmail sends the post-call conversation summary to a client.
// It returns the mail provider's operation id for the send.
func (s *EmailService) SendCallSummaryEmail(ctx context.Context, to, clientName, clientID, summary, caseID string) (string, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "email_type", Value: "conversation_summary"},
		observability.Field{Key: "recipient", Value: to},
		observability.Field{Key: "case_id", Value: caseID},
	)

	if to == "" {
		s.logger.Error(ctx, "missing recipient for summary email", ErrInvalidEmailAddress)
		return "", ErrInvalidEmailAddress
	}

	subject := fmt.Sprintf("Conversation Summary %s", caseID)

	data := TemplateData{
		ClientName: clientName,
		ClientID:   clientID,
		Email:      to,
		Summary:    summary,
		CaseID:     caseID,
	}

	htmlContent, err := s.renderTemplate("conversation_summary", data)
	if err != nil {
		s.logger.Error(ctx, "failed to render conversation summary template", err)
		return "", fmt.Errorf("%w: %s", ErrEmptyTemplate, err.Error())
	}

	operationID, err := s.mailClient.SendEmail(ctx, s.defaultSender, to, subject, htmlContent)
	if err != nil {
		s.logger.Error(ctx, "failed to send conversation summary email", err)
		return "", fmt.Errorf("%w: %s", ErrSendingEmail, err.Error())
	}

	return operationID, nil
}

// SendCaseOpenedEmail notifies a client that a support case was created on
// their behalf.
func (s *EmailService) SendCaseOpenedEmail(ctx context.Context, to, clientName, description, caseID string) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "email_type", Value: "case_opened"},
		observability.Field{Key: "recipient", Value: to},
		observability.Field{Key: "case_id", Value: caseID},
	)

	subject := fmt.Sprintf("Support Case %s", caseID)

	data := TemplateData{
		ClientName: clientName,
		Email:      to,
		Summary:    description,
		CaseID:     caseID,
	}

	htmlContent, err := s.renderTemplate("case_opened", data)
	if err != nil {
		s.logger.Error(ctx, "failed to render case opened template", err)
		return fmt.Errorf("%w: %s", ErrEmptyTemplate, err.Error())
	}

	if _, err := s.mailClient.SendEmail(ctx, s.defaultSender, to, subject, htmlContent); err != nil {
		s.logger.Error(ctx, "failed to send case opened email", err)
		return fmt.Errorf("%w: %s", ErrSendingEmail, err.Error())
	}

	return nil
}

// SendEmail sends a generic email with custom content
func (s *EmailService) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "email_type", Value: "custom"},
		observability.Field{Key: "recipient", Value: to},
	)

	if htmlContent == "" {
		s.logger.Error(ctx, "empty email content", ErrEmptyTemplate)
		return ErrEmptyTemplate
	}

	_, err := s.mailClient.SendEmail(ctx, s.defaultSender, to, subject, htmlContent)
	if err != nil {
		s.logger.Error(ctx, "failed to send custom email", err)
		return fmt.Errorf("%w: %s", ErrSendingEmail, err.Error())
	}

	return nil
}

// RegisterTemplate adds a new template to the email service
func (s *EmailService) RegisterTemplate(name, templateContent string) error {
	// Validate the template by attempting to parse it
	_, err := template.New(name).Parse(templateContent)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}

	s.templates[name] = templateContent
	return nil
}
