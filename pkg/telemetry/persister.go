package telemetry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/telemetria/telemetria/pkg/metrics"
)

// Persister stores delivered events.
type Persister interface {
	// Save is called once per delivered event, in delivery order.
	Save(evt Event) error

	// Close is called once at shutdown, after the final drain.
	Close() error
}

// Flusher is implemented by persisters that buffer writes. Flush is called
// after every drain pass that delivered at least one event.
type Flusher interface {
	Flush() error
}

// Named is implemented by persisters that want a stable label in logs and
// metrics.
type Named interface {
	Name() string
}

// FailurePolicy decides what a drain pass does when a persister fails.
type FailurePolicy int

const (
	// ContinueOnError keeps delivering the event to the remaining persisters
	// and keeps draining the batch. Errors are joined into the pass result.
	ContinueOnError FailurePolicy = iota

	// AbortOnError stops the pass at the first failure. Later persisters miss
	// the failing event and the rest of the batch is discarded.
	AbortOnError
)

func (p FailurePolicy) String() string {
	switch p {
	case ContinueOnError:
		return "continue"
	case AbortOnError:
		return "abort"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy maps "continue" (or "") and "abort" to a policy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "continue":
		return ContinueOnError, nil
	case "abort":
		return AbortOnError, nil
	}
	return 0, fmt.Errorf("telemetry.ParseFailurePolicy: unknown policy %q: %w", s, ErrInvalidConfig)
}

// PersistError reports a persister failure for one event.
type PersistError struct {
	Persister string
	Event     EventType
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("telemetry: persister %s: save %s: %v", e.Persister, e.Event, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// fanout delivers every event to each registered persister in order.
type fanout struct {
	mu         sync.RWMutex
	persisters []Persister
	names      []string
	policy     FailurePolicy
}

func newFanout(policy FailurePolicy) *fanout {
	return &fanout{policy: policy}
}

func (f *fanout) add(p Persister) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisters = append(f.persisters, p)
	f.names = append(f.names, persisterName(p, len(f.names)))
}

func (f *fanout) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.persisters)
}

// deliver offers evt to each persister in registration order. Under
// AbortOnError it returns at the first failure.
func (f *fanout) deliver(evt Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var errs []error
	for i, p := range f.persisters {
		if err := safeSave(p, evt); err != nil {
			metrics.PersistErrors.WithLabelValues(f.names[i]).Inc()
			perr := &PersistError{Persister: f.names[i], Event: evt.Type, Err: err}
			if f.policy == AbortOnError {
				return perr
			}
			errs = append(errs, perr)
			continue
		}
		metrics.EventsDelivered.WithLabelValues(f.names[i]).Inc()
	}
	return errors.Join(errs...)
}

// flush calls Flush on every buffering persister.
func (f *fanout) flush() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var errs []error
	for i, p := range f.persisters {
		fl, ok := p.(Flusher)
		if !ok {
			continue
		}
		if err := fl.Flush(); err != nil {
			metrics.PersistErrors.WithLabelValues(f.names[i]).Inc()
			errs = append(errs, fmt.Errorf("telemetry: persister %s: flush: %w", f.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// closeAll closes every persister in registration order, even after failures.
func (f *fanout) closeAll() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var errs []error
	for i, p := range f.persisters {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: persister %s: close: %w", f.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// safeSave returns a panic raised by p.Save as an error.
func safeSave(p Persister, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Save(evt)
}

func persisterName(p Persister, idx int) string {
	if n, ok := p.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T#%d", p, idx)
}
