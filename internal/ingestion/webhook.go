package ingestion

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxPayloadBytes = 5 << 20

// SignatureGate decides whether a delivery may be ingested
type SignatureGate func(body []byte, signature string) bool

// NewSignatureGate checks X-Hub-Signature-256 against the shared secret.
// With no secret and allowUnsigned set every delivery passes; with no secret
// otherwise every delivery fails.
func NewSignatureGate(secret string, allowUnsigned bool) SignatureGate {
	return func(body []byte, signature string) bool {
		if secret == "" {
			return allowUnsigned
		}
		return VerifySignature(secret, body, signature)
	}
}

// VerifySignature validates a "sha256=<hex>" HMAC of body
func VerifySignature(secret string, body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value GitHub would send for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookHandler receives GitHub deliveries
type WebhookHandler struct {
	service *Service
	gate    SignatureGate
	log     logrus.FieldLogger
}

// NewWebhookHandler creates the handler mounted on POST /webhooks/github
func NewWebhookHandler(service *Service, gate SignatureGate, log logrus.FieldLogger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		gate:    gate,
		log:     log.WithField("component", "webhook"),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	if !h.gate(body, r.Header.Get("X-Hub-Signature-256")) {
		h.log.Warn("Rejected webhook delivery with invalid signature")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	kind := r.Header.Get("X-GitHub-Event")
	log := h.log.WithFields(logrus.Fields{"kind": kind, "delivery": r.Header.Get("X-GitHub-Delivery")})

	event, err := Normalize(kind, body)
	switch {
	case errors.Is(err, ErrIgnoredEvent):
		log.Debug("Ignoring webhook event")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	case errors.Is(err, ErrMalformedPayload):
		log.Warnf("Malformed webhook payload: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		log.Errorf("Failed to normalize webhook payload: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	result, err := h.service.Ingest(r.Context(), event)
	if err != nil {
		log.Errorf("Failed to ingest webhook event: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to write response: %v", err)
	}
}
