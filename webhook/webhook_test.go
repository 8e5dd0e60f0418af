package webhook_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/webhook"
)

func nowStamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func TestAccept_ValidSignature(t *testing.T) {
	secrets := webhook.NewStaticSecrets(map[string]string{"slack": "shh"})
	in := webhook.New(secrets, time.Minute)

	payload := []byte(`{"decision":"approve"}`)
	ts := nowStamp()
	sig := webhook.Sign("shh", ts, payload)

	n, err := in.Accept(context.Background(), "slack", "req-1", ts, "approval-42", payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "approval-42", n.ExternalRef)
}

func TestAccept_InvalidSignatureRejected(t *testing.T) {
	secrets := webhook.NewStaticSecrets(map[string]string{"slack": "shh"})
	in := webhook.New(secrets, time.Minute)

	_, err := in.Accept(context.Background(), "slack", "req-1", nowStamp(), "approval-42", []byte(`{}`), "deadbeef")
	assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
}

func TestAccept_UnknownChannel(t *testing.T) {
	secrets := webhook.NewStaticSecrets(map[string]string{"slack": "shh"})
	in := webhook.New(secrets, time.Minute)

	_, err := in.Accept(context.Background(), "teams", "req-1", nowStamp(), "", []byte(`{}`), "x")
	assert.ErrorIs(t, err, webhook.ErrUnknownChannel)
}

func TestAccept_ReplayRejected(t *testing.T) {
	secrets := webhook.NewStaticSecrets(map[string]string{"slack": "shh"})
	in := webhook.New(secrets, time.Minute)

	payload := []byte(`{"decision":"approve"}`)
	ts := nowStamp()
	sig := webhook.Sign("shh", ts, payload)

	_, err := in.Accept(context.Background(), "slack", "req-1", ts, "approval-42", payload, sig)
	require.NoError(t, err)

	_, err = in.Accept(context.Background(), "slack", "req-1", ts, "approval-42", payload, sig)
	assert.ErrorIs(t, err, webhook.ErrReplay)
}

func TestAccept_StaleTimestampRejected(t *testing.T) {
	secrets := webhook.NewStaticSecrets(map[string]string{"slack": "shh"})
	in := webhook.New(secrets, time.Minute)

	payload := []byte(`{"decision":"approve"}`)
	staleTS := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	sig := webhook.Sign("shh", staleTS, payload)

	_, err := in.Accept(context.Background(), "slack", "req-1", staleTS, "approval-42", payload, sig)
	assert.ErrorIs(t, err, webhook.ErrStaleTimestamp)
}

func TestAccept_MissingTimestampRejected(t *testing.T) {
	secrets := webhook.NewStaticSecrets(map[string]string{"slack": "shh"})
	in := webhook.New(secrets, time.Minute)

	payload := []byte(`{"decision":"approve"}`)
	sig := webhook.Sign("shh", "", payload)

	_, err := in.Accept(context.Background(), "slack", "req-1", "", "approval-42", payload, sig)
	assert.ErrorIs(t, err, webhook.ErrStaleTimestamp)
}
