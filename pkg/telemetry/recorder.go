// Package telemetry records discrete application events, stamps them with
// session, user and game identity, and periodically flushes them to one or
// more persisters.
//
// A Recorder owns one unbounded queue and one background flush goroutine.
// Producers call TrackEvent from any goroutine and never block on
// persisters. Close enqueues a session-end event, stops the flush loop,
// drains whatever is left and then closes every persister, so no tracked
// event is lost on a graceful shutdown.
package telemetry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/telemetria/telemetria/pkg/metrics"
)

var (
	// ErrClosed is returned by operations on a closed Recorder.
	ErrClosed = errors.New("telemetry: recorder closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("telemetry: flush loop already started")

	// ErrInvalidConfig is wrapped by configuration errors.
	ErrInvalidConfig = errors.New("telemetry: invalid config")
)

const (
	// DefaultFlushInterval is the time between drain passes.
	DefaultFlushInterval = 10 * time.Second

	// DefaultTelemetryDir is the directory under the data dir that holds
	// event files.
	DefaultTelemetryDir = "Telemetry"

	// DefaultFileName is the file written by the default JSON persister.
	DefaultFileName = "events.json"
)

// Config configures a Recorder.
type Config struct {
	UserID  string
	DataDir string // base data directory; the recorder writes under DataDir/TelemetryDir

	TelemetryDir  string        // default "Telemetry"
	FileName      string        // default persister file name; default "events.json"
	FlushInterval time.Duration // default 10s
	FailurePolicy FailurePolicy

	// DisableDefaultPersister skips the JSON file persister.
	DisableDefaultPersister bool

	Logger *slog.Logger
	Clock  func() time.Time
}

func (c *Config) applyDefaults() {
	if c.TelemetryDir == "" {
		c.TelemetryDir = DefaultTelemetryDir
	}
	if c.FileName == "" {
		c.FileName = DefaultFileName
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

func (c *Config) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user id is required: %w", ErrInvalidConfig)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required: %w", ErrInvalidConfig)
	}
	return nil
}

// Recorder buffers tracked events and flushes them to its persisters.
type Recorder struct {
	cfg        Config
	dir        string
	log        *slog.Logger
	stamper    *Stamper
	queue      *Queue
	persisters *fanout

	// passMu serializes drain passes so deliveries never interleave.
	passMu sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates a recorder, creates its telemetry directory, registers the
// default JSON file persister and tracks a StartSession event. The flush
// loop is not running until Start is called.
func New(cfg Config) (*Recorder, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("telemetry.New: %w", err)
	}

	dir := filepath.Join(cfg.DataDir, cfg.TelemetryDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry.New: create %s: %w", dir, err)
	}

	stamper := NewStamper(cfg.UserID)
	r := &Recorder{
		cfg:        cfg,
		dir:        dir,
		log:        cfg.Logger.With("component", "telemetry", "session", stamper.SessionID()),
		stamper:    stamper,
		queue:      NewQueue(),
		persisters: newFanout(cfg.FailurePolicy),
		done:       make(chan struct{}),
	}

	if !cfg.DisableDefaultPersister {
		if err := r.AddFilePersister(JSONSerializer{}, cfg.FileName); err != nil {
			return nil, fmt.Errorf("telemetry.New: %w", err)
		}
	}

	r.TrackEvent(StartSession())
	return r, nil
}

// Init creates a recorder with default settings and starts its flush loop.
// It reports false, and no recorder, when either step fails.
func Init(userID, dataDir string) (*Recorder, bool) {
	r, err := New(Config{UserID: userID, DataDir: dataDir})
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
		return nil, false
	}
	if err := r.Start(); err != nil {
		r.log.Warn("telemetry flush loop failed to start", "error", err)
		_ = r.persisters.closeAll()
		return nil, false
	}
	return r, true
}

// Start launches the background flush loop. It can be called once.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	r.wg.Add(1)
	go r.flushLoop()
	r.log.Info("telemetry recorder started",
		"user", r.cfg.UserID,
		"dir", r.dir,
		"interval", r.cfg.FlushInterval,
		"persisters", r.persisters.len(),
	)
	return nil
}

// AddPersister registers p after the persisters already added. Register
// persisters before Start so they see every event from the first pass.
func (r *Recorder) AddPersister(p Persister) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.persisters.add(p)
	return nil
}

// AddFilePersister registers a file persister writing to filename inside the
// recorder's telemetry directory.
func (r *Recorder) AddFilePersister(s Serializer, filename string) error {
	fp, err := NewFilePersister(s, filepath.Join(r.dir, filename))
	if err != nil {
		return err
	}
	if err := r.AddPersister(fp); err != nil {
		_ = fp.Close()
		return err
	}
	return nil
}

// TrackEvent stamps evt with the session identity, timestamps it if needed
// and queues it for the next flush. It returns the stamped event. Events
// tracked after Close are dropped and returned unstamped.
func (r *Recorder) TrackEvent(evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.cfg.Clock().UTC()
	}

	// Stamp and enqueue under mu so nothing lands in the queue after shutdown
	// has marked the recorder closed and taken its final drain. A dropped
	// event leaves the game counter alone.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("closed").Inc()
		r.log.Debug("event tracked after close", "type", evt.Type)
		return evt
	}
	r.stamper.Stamp(&evt)
	r.queue.Enqueue(evt)
	r.mu.Unlock()

	metrics.EventsTracked.WithLabelValues(string(evt.Type)).Inc()
	return evt
}

// Flush runs one drain-and-deliver pass now.
func (r *Recorder) Flush() error {
	return r.flush()
}

// Close stops the recorder: it tracks an EndSession event, stops the flush
// loop, delivers everything still queued and closes the persisters in
// order. Close on a nil Recorder is a no-op. Only the first call does any
// work; later calls return its result.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.closeErr = r.shutdown()
	})
	return r.closeErr
}

func (r *Recorder) shutdown() error {
	r.TrackEvent(EndSession())

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	var errs []error
	if err := r.flush(); err != nil {
		errs = append(errs, err)
	}
	if err := r.persisters.closeAll(); err != nil {
		errs = append(errs, err)
	}
	r.log.Info("telemetry recorder closed")
	return errors.Join(errs...)
}

// SessionID returns the id stamped on every event of this recorder.
func (r *Recorder) SessionID() string { return r.stamper.SessionID() }

// UserID returns the configured user id.
func (r *Recorder) UserID() string { return r.cfg.UserID }

// Dir returns the telemetry directory.
func (r *Recorder) Dir() string { return r.dir }

// Game returns the current game counter.
func (r *Recorder) Game() int64 { return r.stamper.Game() }

// Pending returns the number of queued, undelivered events.
func (r *Recorder) Pending() int { return r.queue.Len() }

// Closed reports whether Close has begun.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// flushLoop drains the queue every FlushInterval until done is closed.
// Stopping does not drain; shutdown runs the final pass itself.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			select {
			case <-r.done:
				return
			default:
			}
			if err := r.flush(); err != nil {
				r.log.Warn("telemetry flush failed", "error", err)
			}
		}
	}
}

// flush drains the queue and delivers each event, in order, to every
// persister.
func (r *Recorder) flush() error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	events := r.queue.DrainAll()
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	var errs []error
	for i, evt := range events {
		err := r.persisters.deliver(evt)
		if err == nil {
			continue
		}
		if r.cfg.FailurePolicy == AbortOnError {
			lost := len(events) - i - 1
			metrics.EventsDropped.WithLabelValues("aborted").Add(float64(lost))
			metrics.FlushPasses.WithLabelValues("aborted").Inc()
			r.log.Warn("telemetry flush aborted", "error", err, "delivered", i, "discarded", lost)
			err = errors.Join(err, r.persisters.flush())
			metrics.FlushDuration.Observe(time.Since(start).Seconds())
			return err
		}
		errs = append(errs, err)
	}

	if err := r.persisters.flush(); err != nil {
		errs = append(errs, err)
	}

	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if len(errs) > 0 {
		metrics.FlushPasses.WithLabelValues("error").Inc()
		return errors.Join(errs...)
	}
	metrics.FlushPasses.WithLabelValues("ok").Inc()
	r.log.Debug("telemetry flushed", "count", len(events), "duration", time.Since(start))
	return nil
}
