package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/telemetria/telemetria/pkg/backend"
	"github.com/telemetria/telemetria/pkg/telemetry"
)

const remoteWriteTimeout = 30 * time.Second

// RemotePersister keeps the encoded event log in memory and rewrites one
// object on a backend after every pass that added data. An object that
// already exists is loaded first, so reopening appends to it.
type RemotePersister struct {
	backend    backend.Backend
	object     string
	serializer telemetry.Serializer

	mu    sync.Mutex
	buf   bytes.Buffer
	dirty bool
}

// NewRemotePersister loads object from b if present. A nil serializer writes JSON.
func NewRemotePersister(ctx context.Context, b backend.Backend, object string, s telemetry.Serializer) (*RemotePersister, error) {
	if s == nil {
		s = telemetry.JSONSerializer{}
	}
	p := &RemotePersister{backend: b, object: object, serializer: s}

	rc, err := b.Open(ctx, object)
	switch {
	case errors.Is(err, backend.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("persist.NewRemotePersister: %w", err)
	default:
		defer rc.Close()
		if _, err := io.Copy(&p.buf, rc); err != nil {
			return nil, fmt.Errorf("persist.NewRemotePersister: load %s: %w", object, err)
		}
	}
	return p, nil
}

func (p *RemotePersister) Name() string { return "remote:" + p.backend.Name() + "/" + p.object }

// Save appends one encoded event to the in-memory log.
func (p *RemotePersister) Save(evt telemetry.Event) error {
	b, err := telemetry.EncodeLine(p.serializer, evt)
	if err != nil {
		return fmt.Errorf("persist.RemotePersister: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Write(b)
	p.dirty = true
	return nil
}

// Flush uploads the log when it changed since the last upload.
func (p *RemotePersister) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upload()
}

func (p *RemotePersister) upload() error {
	if !p.dirty {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
	defer cancel()

	data := p.buf.Bytes()
	if err := p.backend.Write(ctx, p.object, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("persist.RemotePersister: upload: %w", err)
	}
	p.dirty = false
	slog.Debug("Remote log uploaded",
		"component", "persist", "backend", p.backend.Name(),
		"object", p.object, "bytes", len(data),
	)
	return nil
}

// Close uploads pending data and closes the backend.
func (p *RemotePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.upload(), p.backend.Close())
}

// RemoteEvents reads the events stored at name on b. A directory is read
// object by object in name order, skipping subdirectories.
func RemoteEvents(ctx context.Context, b backend.Backend, name string) ([]telemetry.Event, error) {
	info, err := b.Stat(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("persist.RemoteEvents: %w", err)
	}
	if !info.IsDir {
		return readRemoteObject(ctx, b, name)
	}

	entries, err := b.List(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("persist.RemoteEvents: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	var events []telemetry.Event
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		got, err := readRemoteObject(ctx, b, path.Join(name, e.Path))
		if err != nil {
			return events, err
		}
		events = append(events, got...)
	}
	return events, nil
}

func readRemoteObject(ctx context.Context, b backend.Backend, name string) ([]telemetry.Event, error) {
	rc, err := b.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("persist.RemoteEvents: %w", err)
	}
	defer rc.Close()
	events, err := DecodeEvents(rc)
	if err != nil {
		return events, fmt.Errorf("persist.RemoteEvents: %s: %w", name, err)
	}
	return events, nil
}
