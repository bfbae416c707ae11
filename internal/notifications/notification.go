package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Type classifies a notification for presentation purposes.
type Type string

const (
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
	TypeSuccess Type = "success"
	TypeError   Type = "error"
)

// Notification is created server-side; the client only toggles the
// read flag or deletes the record, never mutates anything else.
type Notification struct {
	ID              int       `json:"id"`
	Type            Type      `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	RelatedEntity   string    `json:"relatedEntity,omitempty"`
	RelatedEntityID string    `json:"relatedEntityId,omitempty"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
}

// pushFrameSchema guards the push path: frames arrive from a shared
// realtime channel and may carry anything, so they are validated
// before being dispatched to listeners.
const pushFrameSchema = `{
	"type": "object",
	"required": ["id", "type", "title", "message"],
	"properties": {
		"id": {"type": "integer"},
		"type": {"enum": ["info", "warning", "success", "error"]},
		"title": {"type": "string"},
		"message": {"type": "string"},
		"relatedEntity": {"type": "string"},
		"relatedEntityId": {"type": "string"},
		"read": {"type": "boolean"},
		"createdAt": {"type": "string"}
	}
}`

func compilePushFrameSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushFrameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse push frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification-frame.json", doc); err != nil {
		return nil, fmt.Errorf("register push frame schema: %w", err)
	}
	schema, err := compiler.Compile("notification-frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile push frame schema: %w", err)
	}
	return schema, nil
}

// decodePushFrame validates the raw frame payload against the schema
// and decodes it into a Notification.
func decodePushFrame(schema *jsonschema.Schema, data []byte) (Notification, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Notification{}, fmt.Errorf("frame is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Notification{}, fmt.Errorf("frame failed validation: %w", err)
	}
	var notification Notification
	if err := json.Unmarshal(data, &notification); err != nil {
		return Notification{}, err
	}
	return notification, nil
}
