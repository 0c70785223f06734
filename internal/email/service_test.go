package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investor-ledger/internal/notification"
)

func TestSendBuildsMessage(t *testing.T) {
	s := NewService(SMTPConfig{Host: "smtp.local", Port: "587", From: "ops@ledger.local"}, zerolog.Nop())
	var gotAddr string
	var gotMsg string
	s.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = string(msg)
		assert.Nil(t, auth)
		assert.Equal(t, []string{"ana@example.com"}, to)
		return nil
	}

	err := s.Send(context.Background(), &notification.Notification{
		Kind:      notification.KindDepositReversed,
		Recipient: "ana@example.com",
		Title:     "Deposit reversed",
		Message:   "Hello <Ana>",
		Payload:   notification.Payload{RequestID: "req-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.local:587", gotAddr)
	assert.True(t, strings.HasPrefix(gotMsg, "From: Investor Ledger <ops@ledger.local>\r\n"))
	assert.Contains(t, gotMsg, "Subject: Deposit reversed\r\n")
	assert.Contains(t, gotMsg, "Hello &lt;Ana&gt;")
	assert.Contains(t, gotMsg, "req-1")
}

func TestSendWrapsTransportError(t *testing.T) {
	s := NewService(SMTPConfig{Host: "smtp.local", Port: "25", From: "ops@ledger.local"}, zerolog.Nop())
	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }

	err := s.SendEmail(context.Background(), "a@b.c", "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestUnconfiguredServiceIsDisabled(t *testing.T) {
	s := NewService(SMTPConfig{}, zerolog.Nop())
	assert.False(t, s.IsEnabled())
	assert.Error(t, s.SendEmail(context.Background(), "a@b.c", "s", "b"))
}
