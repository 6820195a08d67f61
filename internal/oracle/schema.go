package oracle

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const snapshotSchemaURL = "https://asset-bridge.schemas.local/oracle/snapshot.schema.json"

const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status", "timestamp"],
  "properties": {
    "shipmentId": {"type": "string"},
    "status": {"type": "string", "minLength": 1, "maxLength": 128},
    "location": {"type": "string", "maxLength": 512},
    "timestamp": {"type": "string", "format": "date-time"},
    "estimatedDelivery": {"type": ["string", "null"], "format": "date-time"},
    "carrier": {"type": "string", "maxLength": 128},
    "events": {
      "type": "array",
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["status", "timestamp"],
        "properties": {
          "status": {"type": "string", "minLength": 1},
          "location": {"type": "string"},
          "timestamp": {"type": "string", "format": "date-time"},
          "description": {"type": "string"}
        }
      }
    },
    "coordinates": {
      "type": ["object", "null"],
      "required": ["lat", "lng"],
      "properties": {
        "lat": {"type": "number", "minimum": -90, "maximum": 90},
        "lng": {"type": "number", "minimum": -180, "maximum": 180}
      }
    }
  }
}`

func compileSnapshotSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(snapshotSchemaURL, strings.NewReader(snapshotSchema)); err != nil {
		return nil, fmt.Errorf("snapshot schema load failed: %w", err)
	}
	compiled, err := c.Compile(snapshotSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot schema compile failed: %w", err)
	}
	return compiled, nil
}
