package notify

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Wire shape of a pushed notification record. Unknown extra fields are
// tolerated; missing or mistyped required fields reject the payload.
const notificationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "principalId", "message", "severity", "createdAt"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"principalId": {"type": "string", "minLength": 1},
		"message": {"type": "string"},
		"severity": {"enum": ["success", "info", "warning", "error"]},
		"read": {"type": "boolean"},
		"createdAt": {"type": "string", "format": "date-time"}
	}
}`

func compileNotificationSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse notification schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification-event.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("notification-event.json")
}
