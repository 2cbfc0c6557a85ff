package adapters

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/rail-service/payout_service/internal/domain/entities"
)

// EmailServiceConfig holds email service configuration
type EmailServiceConfig struct {
	Provider    string // "sendgrid", "smtp" or "log"
	APIKey      string
	FromEmail   string
	FromName    string
	Environment string
	SMTPHost    string
	SMTPPort    int
}

type sendgridSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailService delivers payout result notifications
type EmailService struct {
	logger *zap.Logger
	config EmailServiceConfig
	client sendgridSender
}

// NewEmailService creates a new email service
func NewEmailService(logger *zap.Logger, config EmailServiceConfig) (*EmailService, error) {
	provider := strings.ToLower(strings.TrimSpace(config.Provider))
	config.Provider = provider

	svc := &EmailService{logger: logger, config: config}
	switch provider {
	case "sendgrid":
		if strings.TrimSpace(config.APIKey) == "" {
			return nil, fmt.Errorf("sendgrid api key is required")
		}
		if strings.TrimSpace(config.FromEmail) == "" {
			return nil, fmt.Errorf("email from address is required")
		}
		svc.client = sendgrid.NewSendClient(config.APIKey)
	case "smtp", "mailpit":
		if config.SMTPHost == "" {
			return nil, fmt.Errorf("smtp host is required for %s provider", provider)
		}
		if config.SMTPPort == 0 {
			config.SMTPPort = 1025
			svc.config.SMTPPort = 1025
		}
	case "", "log":
		svc.config.Provider = "log"
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", provider)
	}
	return svc, nil
}

// NotifyPayoutResult tells the recipient how their payout ended. Payouts without
// a notification address are skipped.
func (e *EmailService) NotifyPayoutResult(ctx context.Context, payout *entities.Payout) error {
	to := strings.TrimSpace(payout.Request.NotifyEmail)
	if to == "" {
		e.logger.Debug("No notification address, skipping payout email",
			zap.String("internal_transaction_id", payout.ID()))
		return nil
	}

	subject, text := renderPayoutResult(payout)
	htmlContent := "<p>" + strings.ReplaceAll(html.EscapeString(text), "\n", "<br>") + "</p>"

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch e.config.Provider {
	case "sendgrid":
		return e.sendViaSendgrid(ctx, to, subject, htmlContent, text)
	case "smtp", "mailpit":
		return e.sendViaSMTP(to, subject, text)
	default:
		e.logger.Info("Payout notification",
			zap.String("internal_transaction_id", payout.ID()),
			zap.String("subject", subject))
		return nil
	}
}

func renderPayoutResult(p *entities.Payout) (string, string) {
	amount := p.Request.Amount.String() + " " + strings.ToUpper(p.Request.Currency)
	switch p.Status {
	case entities.PayoutStatusCompleted:
		return "Your payout was sent",
			fmt.Sprintf("Your payout of %s (reference %s) has been delivered.", amount, p.ID())
	case entities.PayoutStatusFailed:
		return "Your payout could not be completed",
			fmt.Sprintf("Your payout of %s (reference %s) failed. The funds have been returned to your balance.", amount, p.ID())
	default:
		return "Your payout is under review",
			fmt.Sprintf("Your payout of %s (reference %s) is being reviewed by our team. The funds remain reserved.", amount, p.ID())
	}
}

func (e *EmailService) sendViaSendgrid(ctx context.Context, to, subject, htmlContent, textContent string) error {
	from := mail.NewEmail(e.config.FromName, e.config.FromEmail)
	message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), textContent, htmlContent)

	response, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		e.logger.Error("Failed to send email",
			zap.String("provider", "sendgrid"),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		e.logger.Error("Email service returned error",
			zap.String("provider", "sendgrid"),
			zap.Int("status_code", response.StatusCode),
			zap.String("response_body", response.Body))
		return fmt.Errorf("email service error: status %d", response.StatusCode)
	}

	e.logger.Info("Email sent",
		zap.String("provider", "sendgrid"),
		zap.String("subject", subject),
		zap.Int("status_code", response.StatusCode))
	return nil
}

// sendViaSMTP targets a local mail catcher in development
func (e *EmailService) sendViaSMTP(to, subject, textContent string) error {
	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)
	msg := strings.Join([]string{
		"From: " + e.config.FromEmail,
		"To: " + to,
		"Subject: " + subject,
		"Content-Type: text/plain; charset=UTF-8",
		"",
		textContent,
	}, "\r\n")
	if err := smtp.SendMail(addr, nil, e.config.FromEmail, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email via smtp: %w", err)
	}
	return nil
}
