package persist

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/telemetria/telemetria/pkg/backend"
	"github.com/telemetria/telemetria/pkg/config"
	"github.com/telemetria/telemetria/pkg/telemetry"
)

// DefaultRemoteObject is the object written by a remote persister without a path.
const DefaultRemoteObject = "events.json"

// New builds the persister described by cfg. Relative paths resolve against
// baseDir, normally the recorder's telemetry directory.
func New(ctx context.Context, cfg config.PersisterConfig, baseDir string) (telemetry.Persister, error) {
	s, err := telemetry.SerializerFor(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("persist.New %q: %w", cfg.Name, err)
	}

	var p telemetry.Persister
	switch cfg.Type {
	case "file":
		p, err = telemetry.NewFilePersister(s, resolve(baseDir, cfg.Path))
	case "stdout":
		p = telemetry.NewStdoutPersister(s)
	case "http":
		p = telemetry.NewHTTPPersister(cfg.Addr, cfg.BatchSize)
	case "badger":
		p, err = NewBadgerPersister(resolve(baseDir, orDefault(cfg.Path, cfg.Name+".badger")), s)
	case "sqlite":
		p, err = NewSQLitePersister(resolve(baseDir, orDefault(cfg.Path, cfg.Name+".db")))
	case "remote":
		p, err = newRemote(ctx, cfg, s)
	case "nop":
		p = telemetry.NewNopPersister()
	default:
		return nil, fmt.Errorf("persist.New %q: unknown type %q: %w", cfg.Name, cfg.Type, telemetry.ErrInvalidConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("persist.New %q: %w", cfg.Name, err)
	}
	return withName(cfg.Name, p), nil
}

// NewBackend builds the rclone backend of a remote persister entry.
func NewBackend(cfg config.PersisterConfig) (*backend.RcloneBackend, error) {
	if cfg.Type != "remote" {
		return nil, fmt.Errorf("persist.NewBackend %q: type %q has no backend: %w", cfg.Name, cfg.Type, telemetry.ErrInvalidConfig)
	}
	params := cfg.Params
	if params == nil {
		params = map[string]string{}
	}
	return backend.NewRcloneBackend(cfg.Name, cfg.BackendType, cfg.Remote, params)
}

// RemoteObject returns the object a remote persister entry writes.
func RemoteObject(cfg config.PersisterConfig) string {
	return orDefault(cfg.Path, DefaultRemoteObject)
}

func newRemote(ctx context.Context, cfg config.PersisterConfig, s telemetry.Serializer) (telemetry.Persister, error) {
	b, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	p, err := NewRemotePersister(ctx, b, RemoteObject(cfg), s)
	if err != nil {
		b.Close()
		return nil, err
	}
	return p, nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// named labels a persister with its configured name. Flush is forwarded to
// persisters that buffer.
type named struct {
	telemetry.Persister
	name string
}

func withName(name string, p telemetry.Persister) telemetry.Persister {
	if name == "" {
		return p
	}
	return &named{Persister: p, name: name}
}

func (n *named) Name() string { return n.name }

func (n *named) Flush() error {
	if f, ok := n.Persister.(telemetry.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Unwrap returns the underlying persister.
func (n *named) Unwrap() telemetry.Persister { return n.Persister }
