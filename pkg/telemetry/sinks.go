package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// WriterPersister writes encoded events to an io.Writer, one per line.
type WriterPersister struct {
	name       string
	w          io.Writer
	serializer Serializer
	mu         sync.Mutex
}

// NewWriterPersister creates a persister writing to w.
func NewWriterPersister(name string, w io.Writer, s Serializer) *WriterPersister {
	return &WriterPersister{name: name, w: w, serializer: s}
}

// NewStdoutPersister writes events to stdout (for log aggregation).
func NewStdoutPersister(s Serializer) *WriterPersister {
	return NewWriterPersister("stdout", os.Stdout, s)
}

func (p *WriterPersister) Name() string { return p.name }

// Save writes one encoded event.
func (p *WriterPersister) Save(evt Event) error {
	b, err := EncodeLine(p.serializer, evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(b); err != nil {
		return fmt.Errorf("telemetry.WriterPersister: %w", err)
	}
	return nil
}

// Close is a no-op; the writer is owned by the caller.
func (p *WriterPersister) Close() error {
	return nil
}

// FilePersister appends encoded events to a file.
type FilePersister struct {
	path       string
	file       *os.File
	buf        *bufio.Writer
	serializer Serializer
	mu         sync.Mutex
}

// NewFilePersister opens (or creates) path for appending.
func NewFilePersister(s Serializer, path string) (*FilePersister, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewFilePersister: %w", err)
	}
	return &FilePersister{
		path:       path,
		file:       f,
		buf:        bufio.NewWriter(f),
		serializer: s,
	}, nil
}

func (p *FilePersister) Name() string { return "file:" + p.path }

// Path returns the file being written.
func (p *FilePersister) Path() string { return p.path }

// Save buffers one encoded event.
func (p *FilePersister) Save(evt Event) error {
	b, err := EncodeLine(p.serializer, evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.buf.Write(b); err != nil {
		return fmt.Errorf("telemetry.FilePersister: %w", err)
	}
	return nil
}

// Flush writes buffered events to the file.
func (p *FilePersister) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.buf.Flush(); err != nil {
		return fmt.Errorf("telemetry.FilePersister: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (p *FilePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	flushErr := p.buf.Flush()
	closeErr := p.file.Close()
	if flushErr != nil {
		return fmt.Errorf("telemetry.FilePersister: flush: %w", flushErr)
	}
	return closeErr
}

// DefaultIngestPath is appended to an HTTPPersister's address.
const DefaultIngestPath = "/api/v1/ingest"

// HTTPPersister buffers events and POSTs them as a JSON array to an ingest
// endpoint on every flush.
type HTTPPersister struct {
	addr      string
	client    *http.Client
	batchSize int

	mu    sync.Mutex
	batch []Event
}

// NewHTTPPersister creates a persister that POSTs to addr + DefaultIngestPath.
// A positive batchSize also posts as soon as that many events are buffered.
func NewHTTPPersister(addr string, batchSize int) *HTTPPersister {
	return &HTTPPersister{
		addr:      addr,
		batchSize: batchSize,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (p *HTTPPersister) Name() string { return "http:" + p.addr }

// Save buffers evt, posting early when the batch is full.
func (p *HTTPPersister) Save(evt Event) error {
	p.mu.Lock()
	p.batch = append(p.batch, evt)
	full := p.batchSize > 0 && len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return p.Flush()
	}
	return nil
}

// Flush posts the buffered batch. The batch is discarded even when the
// post fails.
func (p *HTTPPersister) Flush() error {
	p.mu.Lock()
	batch := p.batch
	p.batch = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("telemetry.HTTPPersister: marshal: %w", err)
	}

	resp, err := p.client.Post(p.addr+DefaultIngestPath, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telemetry.HTTPPersister: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telemetry.HTTPPersister: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close posts anything still buffered.
func (p *HTTPPersister) Close() error {
	return p.Flush()
}

// NopPersister discards all events.
type NopPersister struct{}

// NewNopPersister creates a no-op persister.
func NewNopPersister() *NopPersister {
	return &NopPersister{}
}

func (NopPersister) Name() string { return "nop" }

// Save discards evt.
func (NopPersister) Save(Event) error { return nil }

// Close is a no-op.
func (NopPersister) Close() error { return nil }

// MemoryPersister stores events in memory (for testing).
type MemoryPersister struct {
	mu     sync.Mutex
	events []Event
	closed int
}

// NewMemoryPersister creates a memory-backed persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// Save stores evt.
func (p *MemoryPersister) Save(evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

// Close records the call.
func (p *MemoryPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// Events returns all stored events.
func (p *MemoryPersister) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Len returns the number of stored events.
func (p *MemoryPersister) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Closed returns how many times Close was called.
func (p *MemoryPersister) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// EncodeLine encodes evt with s and terminates it with a newline.
func EncodeLine(s Serializer, evt Event) ([]byte, error) {
	b, err := s.Encode(evt)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	return b, nil
}
