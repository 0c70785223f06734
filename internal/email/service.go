package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"investor-ledger/internal/notification"
)

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Configured reports whether every required setting is present.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// Service handles email sending operations and implements notification.Notifier
type Service struct {
	config SMTPConfig
	logger zerolog.Logger
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config SMTPConfig, logger zerolog.Logger) *Service {
	if config.FromName == "" {
		config.FromName = "Investor Ledger"
	}
	s := &Service{
		config: config,
		logger: logger.With().Str("component", "email").Logger(),
	}
	s.send = s.deliver
	return s
}

func (s *Service) Name() string { return "email" }

func (s *Service) IsEnabled() bool { return s.config.Configured() }

// Send delivers a rendered notification to its recipient.
func (s *Service) Send(ctx context.Context, n *notification.Notification) error {
	if n.Recipient == "" {
		return fmt.Errorf("notification %s has no recipient", n.Kind)
	}
	return s.SendEmail(ctx, n.Recipient, n.Title, renderBody(n))
}

// SendEmail sends an HTML email
func (s *Service) SendEmail(ctx context.Context, to, subject, body string) error {
	if !s.config.Configured() {
		return fmt.Errorf("SMTP not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	message := []byte(
		"From: " + from + "\r\n" +
			"To: " + to + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n",
	)

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	addr := s.config.Host + ":" + s.config.Port

	s.logger.Debug().Str("to", to).Str("host", s.config.Host).Msg("Sending email")

	if err := s.send(addr, auth, s.config.From, []string{to}, message); err != nil {
		s.logger.Warn().Err(err).Str("to", to).Msg("Failed to send email")
		return fmt.Errorf("SMTP error: %w", err)
	}

	s.logger.Info().Str("to", to).Str("subject", subject).Msg("Email sent")
	return nil
}

func (s *Service) deliver(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	// For TLS (port 465)
	if s.config.Port == "465" {
		return sendTLS(addr, auth, from, to, msg)
	}
	// For STARTTLS (port 587) or plain (port 25)
	return smtp.SendMail(addr, auth, from, to, msg)
}

// sendTLS sends email using TLS connection (port 465)
func sendTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host := strings.Split(addr, ":")[0]
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

func renderBody(n *notification.Notification) string {
	return fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #1F2937; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { background-color: #f9fafb; padding: 30px; border-radius: 0 0 5px 5px; }
        .footer { text-align: center; margin-top: 20px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>%s</h1>
        </div>
        <div class="content">
            <p>%s</p>
        </div>
        <div class="footer">
            <p>Reference: %s</p>
        </div>
    </div>
</body>
</html>
`, html.EscapeString(n.Title), html.EscapeString(n.Message), html.EscapeString(n.Payload.RequestID))
}
