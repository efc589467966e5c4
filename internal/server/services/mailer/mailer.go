package mailer

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

//go:embed "templates"
var templateFS embed.FS

// DefaultEndpoint is the SMTP2GO send API
const DefaultEndpoint = "https://api.smtp2go.com/v3/email/send"

const sendAttempts = 3

type Mailer struct {
	apiKey   string
	sender   string
	endpoint string
	client   *http.Client
	logger   *core.Logger
	backoff  time.Duration
}

// SMTP2GO API request structure
type SMTP2GORequest struct {
	APIKey   string   `json:"api_key"`
	To       []string `json:"to"`
	Sender   string   `json:"sender"`
	Subject  string   `json:"subject"`
	TextBody string   `json:"text_body"`
	HtmlBody string   `json:"html_body"`
}

// SMTP2GO API response structure
type SMTP2GOResponse struct {
	RequestID string `json:"request_id"`
	Data      struct {
		EmailID string `json:"email_id"`
	} `json:"data"`
}

func New(apiKey, sender string, logger *core.Logger) *Mailer {
	return &Mailer{
		apiKey:   apiKey,
		sender:   sender,
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		backoff:  500 * time.Millisecond,
	}
}

// WithEndpoint points the mailer at a different API URL
func (m *Mailer) WithEndpoint(endpoint string) *Mailer {
	m.endpoint = endpoint
	return m
}

// Send renders templateFile with data and sends it to recipient. The
// template must define "subject", "plainBody" and "htmlBody".
func (m *Mailer) Send(ctx context.Context, recipient, templateFile string, data any) error {
	tmpl, err := template.New("email").ParseFS(templateFS, "templates/"+templateFile)
	if err != nil {
		return err
	}

	subject := new(bytes.Buffer)
	if err := tmpl.ExecuteTemplate(subject, "subject", data); err != nil {
		return err
	}

	plainBody := new(bytes.Buffer)
	if err := tmpl.ExecuteTemplate(plainBody, "plainBody", data); err != nil {
		return err
	}

	htmlBody := new(bytes.Buffer)
	if err := tmpl.ExecuteTemplate(htmlBody, "htmlBody", data); err != nil {
		return err
	}

	request := SMTP2GORequest{
		APIKey:   m.apiKey,
		To:       []string{recipient},
		Sender:   m.sender,
		Subject:  subject.String(),
		TextBody: plainBody.String(),
		HtmlBody: htmlBody.String(),
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	m.logger.Debug("Sending e-mail", "recipient", recipient, "subject", request.Subject)

	for i := 1; i <= sendAttempts; i++ {
		err = m.sendViaAPI(ctx, jsonData)
		if err == nil {
			return nil
		}

		m.logger.Warn("SMTP2GO attempt failed", "attempt", i, "error", err)

		if i == sendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff):
		}
	}

	return fmt.Errorf("failed to send email after %d attempts: %w", sendAttempts, err)
}

func (m *Mailer) sendViaAPI(ctx context.Context, jsonData []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status: %d", resp.StatusCode)
	}

	var response SMTP2GOResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// DigestNotifier e-mails non-empty digests to a fixed recipient
type DigestNotifier struct {
	mailer    *Mailer
	recipient string
}

// NewDigestNotifier creates a notifier sending through m
func NewDigestNotifier(m *Mailer, recipient string) *DigestNotifier {
	return &DigestNotifier{mailer: m, recipient: recipient}
}

// digestMail is the template data for digest.tmpl
type digestMail struct {
	AppID       string
	Count       int
	GeneratedAt string
	Reviews     []models.Review
	Body        string
}

// SendDigest e-mails result
func (n *DigestNotifier) SendDigest(ctx context.Context, result *models.DigestResult) error {
	data := digestMail{
		AppID:       result.AppID,
		Count:       len(result.Reviews),
		GeneratedAt: result.GeneratedAt.Format(time.RFC1123),
		Reviews:     result.Reviews,
		Body:        result.Body,
	}
	return n.mailer.Send(ctx, n.recipient, "digest.tmpl", data)
}
