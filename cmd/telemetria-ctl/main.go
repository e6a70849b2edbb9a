// Package main provides the telemetria-ctl CLI for recording and inspecting
// telemetry event logs.
//
// Usage:
//
//	telemetria-ctl record [--config <file>] [--user <id>] [--dir <path>]
//	telemetria-ctl dump --store badger|sqlite|file --path <path> [--session <id>]
//	telemetria-ctl dump --store remote --config <file> --persister <name> [--path <object>] [--session <id>]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/telemetria/telemetria/pkg/config"
	"github.com/telemetria/telemetria/pkg/metrics"
	"github.com/telemetria/telemetria/pkg/persist"
	"github.com/telemetria/telemetria/pkg/telemetry"
)

// DefaultEventType is used for stdin records without an "event_type" key.
const DefaultEventType telemetry.EventType = "Custom"

// maxHealthyQueue is the queue depth above which /healthz reports degraded.
const maxHealthyQueue = 100000

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "record":
		runRecord(os.Args[2:])
	case "dump":
		runDump(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "telemetria-ctl - telemetry event recorder\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  telemetria-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  record   Track JSON events read from stdin\n")
	fmt.Fprint(os.Stderr, "  dump     Print events from a badger, SQLite, file or remote store\n\n")
	fmt.Fprint(os.Stderr, "Use \"telemetria-ctl <command> --help\" for more information about a command.\n")
}

// runRecord implements the "telemetria-ctl record" subcommand.
func runRecord(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (optional)")
	userID := fs.String("user", "", "User id stamped on every event (overrides config)")
	dataDir := fs.String("dir", "", "Data directory (overrides config)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: telemetria-ctl record [flags]\n\n")
		fmt.Fprint(os.Stderr, "Read one JSON object per line from stdin and track it as an event.\n")
		fmt.Fprint(os.Stderr, "The optional \"event_type\" key names the event; other keys become fields.\n")
		fmt.Fprint(os.Stderr, "The session ends on EOF, SIGINT or SIGTERM.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  echo '{\"event_type\":\"Jump\",\"height\":2}' | telemetria-ctl record --user p1 --dir /tmp/game\n")
		fmt.Fprint(os.Stderr, "  telemetria-ctl record --config telemetria.yaml < events.jsonl\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger, syncLogs, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer syncLogs()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := record(ctx, cfg, logger, os.Stdin)
	if err != nil {
		logger.Error("Record failed", "error", err, "events", n)
		syncLogs()
		os.Exit(1)
	}
	logger.Info("Session recorded", "events", n)
}

// newRecorder builds a started recorder with the default file persister and
// every configured persister.
func newRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*telemetry.Recorder, error) {
	policy, err := telemetry.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}
	rec, err := telemetry.New(telemetry.Config{
		UserID:                  cfg.UserID,
		DataDir:                 cfg.DataDir,
		TelemetryDir:            cfg.TelemetryDir,
		FileName:                cfg.FileName,
		FlushInterval:           cfg.FlushInterval,
		FailurePolicy:           policy,
		DisableDefaultPersister: true,
		Logger:                  logger,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.DisableFile {
		s, err := telemetry.SerializerFor(cfg.Format)
		if err == nil {
			err = rec.AddFilePersister(s, cfg.FileName)
		}
		if err != nil {
			return nil, errors.Join(err, rec.Close())
		}
	}
	for _, pc := range cfg.Persisters {
		p, err := persist.New(ctx, pc, rec.Dir())
		if err == nil {
			err = rec.AddPersister(p)
		}
		if err != nil {
			return nil, errors.Join(err, rec.Close())
		}
		logger.Info("Persister added", "name", pc.Name, "type", pc.Type)
	}

	if err := rec.Start(); err != nil {
		return nil, errors.Join(err, rec.Close())
	}
	return rec, nil
}

// record tracks every JSON line of in until EOF or ctx is cancelled, then
// closes the recorder. It returns the number of events tracked from in.
func record(ctx context.Context, cfg *config.Config, logger *slog.Logger, in io.Reader) (int, error) {
	rec, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}

	if cfg.Metrics.MetricsEnabled() {
		metrics.RegisterHealthCheck("telemetry_dir", metrics.DirHealthCheck(rec.Dir()))
		metrics.RegisterHealthCheck("queue", metrics.QueueHealthCheck(rec.Pending, maxHealthyQueue))
		stopMetrics := make(chan struct{})
		defer close(stopMetrics)
		go func() {
			if err := metrics.MetricsServer(cfg.Metrics.Addr, stopMetrics); err != nil {
				logger.Error("Metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		logger.Info("Metrics server started", "addr", cfg.Metrics.Addr)
	}

	logger.Info("Recording",
		"session", rec.SessionID(), "user", rec.UserID(), "dir", rec.Dir(),
		"flush_interval", cfg.FlushInterval, "failure_policy", cfg.FailurePolicy,
	)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	tracked := 0
	var readErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down", "reason", ctx.Err())
			break loop
		case line, ok := <-lines:
			if !ok {
				readErr = <-scanErr
				break loop
			}
			if len(line) == 0 {
				continue
			}
			evt, err := parseEventLine(line)
			if err != nil {
				logger.Warn("Skipping malformed event", "error", err)
				continue
			}
			rec.TrackEvent(evt)
			tracked++
		}
	}

	if err := errors.Join(readErr, rec.Close()); err != nil {
		return tracked, err
	}
	return tracked, nil
}

// parseEventLine turns one JSON object into an event. "event_type" names the
// event and the remaining keys become its fields.
func parseEventLine(line []byte) (telemetry.Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return telemetry.Event{}, fmt.Errorf("parse event: %w", err)
	}
	typ := DefaultEventType
	if v, ok := fields["event_type"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return telemetry.Event{}, fmt.Errorf("parse event: event_type must be a non-empty string")
		}
		typ = telemetry.EventType(s)
		delete(fields, "event_type")
	}
	if len(fields) == 0 {
		fields = nil
	}
	return telemetry.NewEvent(typ, fields), nil
}

// dumpOptions selects the store read by dump.
type dumpOptions struct {
	Store   string
	Path    string
	Session string

	// ConfigPath and Persister name the remote persister entry for the
	// "remote" store.
	ConfigPath string
	Persister  string
}

// runDump implements the "telemetria-ctl dump" subcommand.
func runDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	var opts dumpOptions
	fs.StringVar(&opts.Store, "store", "file", "Store type: badger, sqlite, file or remote")
	fs.StringVar(&opts.Path, "path", "", "Store path; for remote, the object or prefix (default: the persister's path)")
	fs.StringVar(&opts.Session, "session", "", "Only print events of this session")
	fs.StringVar(&opts.ConfigPath, "config", "", "Config file holding the remote persister (remote only)")
	fs.StringVar(&opts.Persister, "persister", "", "Name of the remote persister entry (remote only)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: telemetria-ctl dump [flags]\n\n")
		fmt.Fprint(os.Stderr, "Print stored events as JSON lines in save order.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  telemetria-ctl dump --store file --path /tmp/game/Telemetry/events.json\n")
		fmt.Fprint(os.Stderr, "  telemetria-ctl dump --store badger --path /tmp/game/Telemetry/archive.badger\n")
		fmt.Fprint(os.Stderr, "  telemetria-ctl dump --store remote --config telemetria.yaml --persister bucket\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if opts.Store == "remote" {
		if opts.Persister == "" {
			fmt.Fprintln(os.Stderr, "Error: --persister is required for the remote store")
			fs.Usage()
			os.Exit(1)
		}
	} else if opts.Path == "" {
		fmt.Fprintln(os.Stderr, "Error: --path is required")
		fs.Usage()
		os.Exit(1)
	}

	if err := dump(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dump writes the events of a store to w, one JSON object per line.
func dump(ctx context.Context, opts dumpOptions, w io.Writer) error {
	events, err := loadEvents(ctx, opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, evt := range events {
		if opts.Session != "" && evt.SessionID != opts.Session {
			continue
		}
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}

// loadEvents reads a store. Badger and SQLite filter by session in the
// store; file and remote logs are filtered by dump.
func loadEvents(ctx context.Context, opts dumpOptions) ([]telemetry.Event, error) {
	switch opts.Store {
	case "badger":
		db, err := persist.OpenBadgerDB(opts.Path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return persist.BadgerEvents(db, opts.Session)
	case "sqlite":
		db, err := persist.OpenSQLiteDB(opts.Path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return persist.SQLiteEvents(ctx, db, opts.Session)
	case "file":
		f, err := os.Open(opts.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return persist.DecodeEvents(f)
	case "remote":
		return loadRemoteEvents(ctx, opts)
	}
	return nil, fmt.Errorf("unknown store %q (want badger, sqlite, file or remote)", opts.Store)
}

func loadRemoteEvents(ctx context.Context, opts dumpOptions) ([]telemetry.Event, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	var entry *config.PersisterConfig
	for i := range cfg.Persisters {
		if cfg.Persisters[i].Name == opts.Persister {
			entry = &cfg.Persisters[i]
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("no persister named %q in config", opts.Persister)
	}

	b, err := persist.NewBackend(*entry)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	object := opts.Path
	if object == "" {
		object = persist.RemoteObject(*entry)
	}
	return persist.RemoteEvents(ctx, b, object)
}
