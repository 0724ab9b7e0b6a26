package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// NotificationEvent announces that an order was durably stored. A fresh
// EventID is minted for every publish attempt; consumers dedupe on the order
// id, not the event id.
type NotificationEvent struct {
	EventID     string    `json:"event_id"`
	OrderID     string    `json:"order_id"`
	PublishedAt time.Time `json:"published_at"`
	Signature   string    `json:"signature,omitempty"`
}

// Sign sets the event signature: hex HMAC-SHA256 over "event_id:order_id".
func (e *NotificationEvent) Sign(key []byte) {
	e.Signature = e.mac(key)
}

// Verify reports whether the signature matches key.
func (e NotificationEvent) Verify(key []byte) bool {
	return hmac.Equal([]byte(e.Signature), []byte(e.mac(key)))
}

func (e NotificationEvent) mac(key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(e.EventID))
	h.Write([]byte{':'})
	h.Write([]byte(e.OrderID))
	return hex.EncodeToString(h.Sum(nil))
}
