package queue

import (
	"encoding/json"
	"errors"
)

// Notification is the JSON document the service worker renders. Producers
// build it and pass the encoded bytes as Request.Payload; the queue itself
// never looks inside.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body,omitempty"`
	URL   string            `json:"url,omitempty"`
	Tag   string            `json:"tag,omitempty"`
	Icon  string            `json:"icon,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// maxPayloadSize keeps the encrypted record under the 4KB limit push
// services accept.
const maxPayloadSize = 3800

var ErrPayloadTooLarge = errors.New("notification payload too large")

func (n Notification) Encode() ([]byte, error) {
	if n.Title == "" {
		return nil, errors.New("notification title is required")
	}
	b, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	if len(b) > maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return b, nil
}
