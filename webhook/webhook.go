// Package webhook implements the Webhook Ingress: HMAC-SHA256 signature
// verification and replay-window deduplication for inbound notifications
// (approval decisions, external tool callbacks) arriving over HTTP, before
// they reach the HITL Manager or Workflow Engine.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrInvalidSignature indicates the presented signature does not match the
// expected HMAC of the payload under the channel's secret.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// ErrReplay indicates a request_id has already been seen within the replay
// window and must be rejected as a duplicate delivery.
var ErrReplay = errors.New("webhook: replayed request")

// ErrUnknownChannel indicates no secret is configured for the channel.
var ErrUnknownChannel = errors.New("webhook: unknown channel")

// ErrStaleTimestamp indicates the delivery's X-Timestamp is missing,
// malformed, or further from the ingress's clock than the configured
// staleness window allows ("reject events older than 5 minutes").
var ErrStaleTimestamp = errors.New("webhook: stale or invalid timestamp")

type (
	// Notification is a verified, deduplicated inbound webhook delivery.
	Notification struct {
		Channel   string
		RequestID string
		Payload   []byte
		// ExternalRef correlates this delivery to the operation it resolves
		// (an approval request ID, a tool invocation ID).
		ExternalRef string
	}

	// SecretStore resolves a channel name to its signing secret.
	SecretStore interface {
		Secret(channel string) (string, bool)
	}

	staticSecrets map[string]string
)

// NewStaticSecrets returns a SecretStore backed by a fixed map, the common
// case where channel secrets come from configuration.
func NewStaticSecrets(secrets map[string]string) SecretStore {
	return staticSecrets(secrets)
}

func (s staticSecrets) Secret(channel string) (string, bool) {
	v, ok := s[channel]
	return v, ok
}

// Sign returns the hex-encoded HMAC-SHA256 of "timestamp.payload" under
// secret, the form callers (and this package's own signature verification)
// expect in the signature header. Binding the signature to the timestamp
// stops an attacker who captures one valid delivery from replaying it with
// a forged, more-recent X-Timestamp to defeat the staleness check.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 of
// "timestamp.payload" under secret, using a constant-time comparison to
// avoid leaking timing information about how many signature bytes matched.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	want, err := hex.DecodeString(Sign(secret, timestamp, payload))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

// Ingress verifies and deduplicates inbound webhook deliveries.
type Ingress struct {
	secrets      SecretStore
	replayWindow time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // request_id -> first-seen time
	now  func() time.Time
}

// New returns an Ingress resolving secrets via secrets and rejecting any
// request_id seen again within replayWindow.
func New(secrets SecretStore, replayWindow time.Duration) *Ingress {
	return &Ingress{secrets: secrets, replayWindow: replayWindow, seen: make(map[string]time.Time), now: time.Now}
}

// Accept verifies signature (bound to timestamp per Sign/Verify) against
// the channel's configured secret, rejects a timestamp further from the
// ingress's clock than replayWindow allows, rejects a replayed requestID,
// and returns the verified Notification.
func (in *Ingress) Accept(_ context.Context, channel, requestID, timestamp, externalRef string, payload []byte, signature string) (Notification, error) {
	secret, ok := in.secrets.Secret(channel)
	if !ok {
		return Notification{}, ErrUnknownChannel
	}
	if !Verify(secret, timestamp, payload, signature) {
		return Notification{}, ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Notification{}, ErrStaleTimestamp
	}
	skew := in.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > in.replayWindow {
		return Notification{}, ErrStaleTimestamp
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.evictLocked()
	if _, dup := in.seen[requestID]; dup {
		return Notification{}, ErrReplay
	}
	in.seen[requestID] = in.now()

	return Notification{Channel: channel, RequestID: requestID, Payload: payload, ExternalRef: externalRef}, nil
}

// evictLocked drops entries older than the replay window. Caller must hold
// in.mu.
func (in *Ingress) evictLocked() {
	cutoff := in.now().Add(-in.replayWindow)
	for id, seenAt := range in.seen {
		if seenAt.Before(cutoff) {
			delete(in.seen, id)
		}
	}
}
