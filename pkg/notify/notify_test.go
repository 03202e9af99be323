package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/observability"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestSMTPSender(config SMTPConfig, sent *[]sentMail, fail error) *SMTPSender {
	s := NewSMTPSender(config, observability.NewNopLogger())
	s.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		if fail != nil {
			return fail
		}
		*sent = append(*sent, sentMail{addr: addr, auth: auth, from: from, to: to, msg: string(msg)})
		return nil
	}
	return s
}

func TestSMTPSender_SendActivation(t *testing.T) {
	var sent []sentMail
	s := newTestSMTPSender(SMTPConfig{
		Host:          "mail.example.com",
		Port:          587,
		Username:      "relay",
		Password:      "pw",
		From:          "noreply@example.com",
		ActivationURL: "https://app.example.com/activate",
	}, &sent, nil)

	err := s.SendActivation(context.Background(), "alice@example.com", "alice", "tok-123")

	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "mail.example.com:587", sent[0].addr)
	assert.NotNil(t, sent[0].auth)
	assert.Equal(t, []string{"alice@example.com"}, sent[0].to)
	assert.Contains(t, sent[0].msg, "To: alice@example.com\r\n")
	assert.Contains(t, sent[0].msg, "Hello alice")
	assert.Contains(t, sent[0].msg, "https://app.example.com/activate?token=tok-123")
}

func TestSMTPSender_NoAuthWithoutUsername(t *testing.T) {
	var sent []sentMail
	s := newTestSMTPSender(SMTPConfig{Host: "localhost", Port: 25, From: "a@b"}, &sent, nil)

	require.NoError(t, s.SendActivation(context.Background(), "bob@example.com", "bob", "tok"))
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].auth)
	assert.Contains(t, sent[0].msg, "activation code is tok")
}

func TestSMTPSender_Errors(t *testing.T) {
	var sent []sentMail
	relayDown := errors.New("connection refused")
	s := newTestSMTPSender(SMTPConfig{Host: "localhost", Port: 25}, &sent, relayDown)

	err := s.SendActivation(context.Background(), "bob@example.com", "bob", "tok")
	assert.ErrorIs(t, err, relayDown)

	err = s.SendActivation(context.Background(), "", "bob", "tok")
	assert.Error(t, err)
}

func TestLogSender(t *testing.T) {
	base, hook := test.NewNullLogger()
	s := NewLogSender(observability.NewLoggerFrom(base))

	require.NoError(t, s.SendActivation(context.Background(), "alice@example.com", "alice", "secret-token"))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "alice", hook.LastEntry().Data["username"])
	assert.NotContains(t, hook.LastEntry().Data, "token")
}

func TestNewActivationToken(t *testing.T) {
	a, b := NewActivationToken(), NewActivationToken()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}
