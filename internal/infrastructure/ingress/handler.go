// SPDX-License-Identifier: AGPL-3.0-or-later
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaynotify/core/internal/domain/models"
	"github.com/relaynotify/core/internal/presentation/api/shared"
	"github.com/relaynotify/core/pkg/clock"
	"github.com/relaynotify/core/pkg/logger"
)

const maxCallbackBodyBytes = 1 << 20 // 1MiB

// statusTracker is the StatusTracker surface the ingress hook drives.
type statusTracker interface {
	OnTransportCallback(ctx context.Context, trackingID uuid.UUID, event models.TransportEvent) error
}

// suspiciousActivityRecorder is the AuditLogger surface consulted on a
// failed signature check, i.e. an unauthenticated caller attempting to
// forge a delivery outcome. Optional: nil skips the audit trail entirely.
type suspiciousActivityRecorder interface {
	RecordSuspiciousActivity(ctx context.Context, actor, description string, details models.JSONB)
}

// Config controls signature verification and clock-skew tolerance.
type Config struct {
	Secret    string
	MaxSkew   time.Duration
}

func DefaultConfig(secret string) Config {
	return Config{Secret: secret, MaxSkew: 5 * time.Minute}
}

// Handler is the transport status-callback HTTP hook. Adapted from the
// teacher's webhook worker: the same HMAC-SHA256 scheme (ComputeSignature),
// inverted to verify an inbound signature from the mail transport provider
// rather than sign an outbound one. The outbound retry/backoff machinery
// lives in the delivery pipeline, not here.
type Handler struct {
	tracker statusTracker
	audit   suspiciousActivityRecorder
	cfg     Config
	clock   clock.Clock
}

func NewHandler(tracker statusTracker, audit suspiciousActivityRecorder, cfg Config, clk clock.Clock) *Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Handler{tracker: tracker, audit: audit, cfg: cfg, clock: clk}
}

// callbackPayload is the body the transport provider posts for a single
// delivery outcome.
type callbackPayload struct {
	TrackingID string `json:"tracking_id"`
	Event      string `json:"event"`
}

// HandleCallback handles POST /ingress/transport-status.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	timestamp, err := parseTimestamp(r.Header.Get("X-Relay-Timestamp"))
	if err != nil {
		shared.WriteValidationError(w, "invalid or missing timestamp", nil)
		return
	}
	skew := h.clock.Now().Sub(time.Unix(timestamp, 0))
	if skew > h.cfg.MaxSkew || skew < -h.cfg.MaxSkew {
		shared.WriteUnauthorized(w, "timestamp outside tolerance")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		shared.WriteValidationError(w, "failed to read body", nil)
		return
	}

	signature := strings.TrimPrefix(r.Header.Get("X-Relay-Signature"), "sha256=")
	if signature == "" || !VerifySignature(h.cfg.Secret, timestamp, body, signature) {
		if h.audit != nil {
			clientIP := shared.GetClientIP(r)
			h.audit.RecordSuspiciousActivity(r.Context(), clientIP, "ingress callback signature verification failed", models.JSONB{
				"remote_addr": clientIP,
				"path":        r.URL.Path,
			})
		}
		shared.WriteUnauthorized(w, "signature verification failed")
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		shared.WriteValidationError(w, "malformed callback payload", nil)
		return
	}

	trackingID, err := uuid.Parse(payload.TrackingID)
	if err != nil {
		shared.WriteValidationError(w, "invalid tracking_id", map[string]string{"tracking_id": "must be a UUID"})
		return
	}

	if err := h.tracker.OnTransportCallback(r.Context(), trackingID, models.TransportEvent(payload.Event)); err != nil {
		logger.Logger.Warn("ingress callback rejected", "tracking_id", trackingID, "event", payload.Event, "error", err)
		shared.WriteValidationError(w, "unrecognized event", map[string]string{"event": payload.Event})
		return
	}

	shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// VerifySignature recomputes the HMAC-SHA256 over the timestamp and body the
// same way the teacher's ComputeSignature builds its outbound base string,
// and reports whether it matches the signature the caller supplied.
func VerifySignature(secret string, timestamp int64, body []byte, signature string) bool {
	expected := ComputeSignature(secret, timestamp, body)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// ComputeSignature mirrors the teacher's webhook worker base string
// (timestamp + "." + body), but over an inbound transport-status payload
// rather than an outbound webhook delivery.
func ComputeSignature(secret string, timestamp int64, body []byte) string {
	base := strconv.FormatInt(timestamp, 10) + "."
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseTimestamp(raw string) (int64, error) {
	if raw == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(raw, 10, 64)
}
