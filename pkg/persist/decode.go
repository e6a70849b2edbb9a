// Package persist provides storage-backed telemetry persisters and builds
// persisters from configuration.
package persist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/telemetria/telemetria/pkg/telemetry"
)

var yamlMarker = []byte("---")

// decodeEvent parses one value written by a telemetry.Serializer.
func decodeEvent(b []byte) (telemetry.Event, error) {
	var evt telemetry.Event
	if bytes.HasPrefix(bytes.TrimSpace(b), yamlMarker) {
		if err := yaml.Unmarshal(b, &evt); err != nil {
			return evt, fmt.Errorf("persist: decode yaml: %w", err)
		}
		return evt, nil
	}
	if err := json.Unmarshal(b, &evt); err != nil {
		return evt, fmt.Errorf("persist: decode json: %w", err)
	}
	return evt, nil
}

// DecodeEvents reads a stream of encoded events, either JSON lines or YAML
// documents, as produced by the file, stdout and remote persisters.
func DecodeEvents(r io.Reader) ([]telemetry.Event, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(yamlMarker))
	if bytes.Equal(head, yamlMarker) {
		return decodeYAMLStream(br)
	}

	var events []telemetry.Event
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var evt telemetry.Event
		if err := json.Unmarshal(b, &evt); err != nil {
			return events, fmt.Errorf("persist.DecodeEvents: line %d: %w", line, err)
		}
		events = append(events, evt)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("persist.DecodeEvents: %w", err)
	}
	return events, nil
}

func decodeYAMLStream(r io.Reader) ([]telemetry.Event, error) {
	var events []telemetry.Event
	dec := yaml.NewDecoder(r)
	for {
		var evt telemetry.Event
		err := dec.Decode(&evt)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("persist.DecodeEvents: document %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
}
