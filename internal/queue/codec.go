package queue

import (
	"errors"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

// EncodeEvent serializes evt as a queue message body.
func EncodeEvent(evt domain.NotificationEvent) ([]byte, error) {
	return json.Marshal(evt)
}

// DecodeEvent parses a queue message body. Bodies that are not valid JSON or
// lack an order or event id are permanent failures.
func DecodeEvent(body []byte) (domain.NotificationEvent, error) {
	var evt domain.NotificationEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, domain.Permanent(err)
	}
	if strings.TrimSpace(evt.OrderID) == "" || strings.TrimSpace(evt.EventID) == "" {
		return evt, domain.Permanent(errors.New("event missing order_id or event_id"))
	}
	return evt, nil
}
