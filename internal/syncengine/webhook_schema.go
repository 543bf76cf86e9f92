package syncengine

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const memberWebhookSchemaURL = "https://clubsync.local/schemas/member-webhook.json"

// memberWebhookSchema accepts the JSON:API member document the subscription
// provider posts. Only the fields the handlers read are constrained.
const memberWebhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["data"],
  "properties": {
    "id": {"type": ["string", "integer"]},
    "data": {
      "type": "object",
      "required": ["id", "attributes"],
      "properties": {
        "id": {"type": "string", "pattern": "\\S"},
        "type": {"type": "string"},
        "attributes": {
          "type": "object",
          "properties": {
            "email": {"type": ["string", "null"]},
            "full_name": {"type": ["string", "null"]},
            "patron_status": {"type": ["string", "null"]},
            "active": {"type": ["boolean", "null"]},
            "tier": {"type": ["string", "null"]}
          }
        },
        "relationships": {"type": "object"}
      }
    },
    "included": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string"},
          "attributes": {"type": "object"}
        }
      }
    }
  }
}`

var (
	memberSchemaOnce sync.Once
	memberSchema     *jsonschema.Schema
	memberSchemaErr  error
)

func compiledMemberSchema() (*jsonschema.Schema, error) {
	memberSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(memberWebhookSchema))
		if err != nil {
			memberSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(memberWebhookSchemaURL, doc); err != nil {
			memberSchemaErr = err
			return
		}
		memberSchema, memberSchemaErr = compiler.Compile(memberWebhookSchemaURL)
	})
	return memberSchema, memberSchemaErr
}

// validateMemberPayload checks body against the member document schema.
// Failures wrap ErrPayloadInvalid.
func validateMemberPayload(body []byte) error {
	schema, err := compiledMemberSchema()
	if err != nil {
		return fmt.Errorf("compile member schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	return nil
}
