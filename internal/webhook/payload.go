// Package webhook builds, signs and delivers completion webhooks for
// re-crawl jobs.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
)

// Event names carried in the payload and the X-Webhook-Event header.
const (
	EventSuccess = "recrawl.success"
	EventFailure = "recrawl.failure"
)

// Headers set on every delivery.
const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	DeliveryHeader  = "X-Webhook-Delivery"

	signaturePrefix = "sha256="
)

// Payload is the body POSTed to callback URLs. Field order is the wire order.
type Payload struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	JobID     string            `json:"job_id"`
	Status    recrawl.JobStatus `json:"status"`
	Result    json.RawMessage   `json:"result"`
}

// EventFor maps a terminal status to its webhook event. Cancelled jobs have
// no webhook.
func EventFor(status recrawl.JobStatus) (string, bool) {
	switch status {
	case recrawl.StatusCompleted:
		return EventSuccess, true
	case recrawl.StatusFailed:
		return EventFailure, true
	default:
		return "", false
	}
}

// NewPayload builds the payload for rec.
func NewPayload(rec recrawl.JobRecord, event string, ts time.Time) Payload {
	return Payload{
		Event:     event,
		Timestamp: ts.UTC(),
		JobID:     rec.ID,
		Status:    rec.Status,
		Result:    rec.Result,
	}
}

// Encode serializes p canonically: fixed field order, no insignificant
// whitespace, result object keys sorted. The output is what gets signed.
func Encode(p Payload) ([]byte, error) {
	if len(p.Result) > 0 {
		canonical, err := canonicalJSON(p.Result)
		if err != nil {
			return nil, fmt.Errorf("canonicalize result: %w", err)
		}
		p.Result = canonical
	} else {
		p.Result = json.RawMessage("null")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// canonicalJSON round-trips through generic values so map keys come back
// sorted. Numbers keep their literal form.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Sign returns the X-Webhook-Signature value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against body in constant time.
func Verify(secret, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
