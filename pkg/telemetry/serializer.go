package telemetry

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Serializer encodes one event for storage.
type Serializer interface {
	Encode(evt Event) ([]byte, error)
}

// JSONSerializer encodes events as single-line JSON objects.
type JSONSerializer struct{}

// Encode implements Serializer.
func (JSONSerializer) Encode(evt Event) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("telemetry.JSONSerializer: %w", err)
	}
	return b, nil
}

// YAMLSerializer encodes each event as its own YAML document.
type YAMLSerializer struct{}

// Encode implements Serializer. The output starts with a document marker so
// concatenated events stay parseable.
func (YAMLSerializer) Encode(evt Event) ([]byte, error) {
	b, err := yaml.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("telemetry.YAMLSerializer: %w", err)
	}
	return append([]byte("---\n"), b...), nil
}

// SerializerFor returns the serializer for a format name ("json" or "yaml").
func SerializerFor(format string) (Serializer, error) {
	switch format {
	case "", "json", "jsonl":
		return JSONSerializer{}, nil
	case "yaml", "yml":
		return YAMLSerializer{}, nil
	}
	return nil, fmt.Errorf("telemetry.SerializerFor: unknown format %q: %w", format, ErrInvalidConfig)
}
