package persist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/telemetria/telemetria/pkg/telemetry"
)

const (
	eventKeyPrefix = "event:"
	seqKey         = "meta:seq"
	seqBandwidth   = 128
)

// BadgerPersister stores each event as one badger entry. Keys are
// event:<session>:<seq> with a zero-padded sequence that keeps growing across
// reopens of the same directory.
type BadgerPersister struct {
	dir        string
	db         *badger.DB
	seq        *badger.Sequence
	serializer telemetry.Serializer

	mu     sync.Mutex
	closed bool
}

// OpenBadgerDB opens (or creates) a badger database with logging disabled.
func OpenBadgerDB(dir string) (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("persist: open badger %s: %w", dir, err)
	}
	return db, nil
}

// NewBadgerPersister opens the database in dir. A nil serializer stores JSON.
func NewBadgerPersister(dir string, s telemetry.Serializer) (*BadgerPersister, error) {
	if s == nil {
		s = telemetry.JSONSerializer{}
	}
	db, err := OpenBadgerDB(dir)
	if err != nil {
		return nil, fmt.Errorf("persist.NewBadgerPersister: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist.NewBadgerPersister: sequence: %w", err)
	}
	return &BadgerPersister{dir: dir, db: db, seq: seq, serializer: s}, nil
}

func (p *BadgerPersister) Name() string { return "badger:" + p.dir }

// eventKey returns the badger key for one event.
func eventKey(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d", eventKeyPrefix, sessionID, seq)
}

// keySeq extracts the sequence number from an event key.
func keySeq(key string) (uint64, bool) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(key[i+1:], 10, 64)
	return n, err == nil
}

// Save writes the event in its own transaction.
func (p *BadgerPersister) Save(evt telemetry.Event) error {
	val, err := p.serializer.Encode(evt)
	if err != nil {
		return fmt.Errorf("persist.BadgerPersister: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("persist.BadgerPersister: %w", telemetry.ErrClosed)
	}
	n, err := p.seq.Next()
	if err != nil {
		return fmt.Errorf("persist.BadgerPersister: sequence: %w", err)
	}
	key := []byte(eventKey(evt.SessionID, n))
	if err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("persist.BadgerPersister: save: %w", err)
	}
	return nil
}

// Events returns every stored event in save order.
func (p *BadgerPersister) Events() ([]telemetry.Event, error) {
	return BadgerEvents(p.db, "")
}

// BadgerEvents reads events from db ordered by sequence. An empty sessionID
// reads all sessions.
func BadgerEvents(db *badger.DB, sessionID string) ([]telemetry.Event, error) {
	prefix := eventKeyPrefix
	if sessionID != "" {
		prefix += sessionID + ":"
	}

	type entry struct {
		seq uint64
		evt telemetry.Event
	}
	var entries []entry

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			n, ok := keySeq(string(item.Key()))
			if !ok {
				continue
			}
			err := item.Value(func(val []byte) error {
				evt, err := decodeEvent(val)
				if err != nil {
					return err
				}
				entries = append(entries, entry{seq: n, evt: evt})
				return nil
			})
			if err != nil {
				return fmt.Errorf("key %s: %w", item.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist.BadgerEvents: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	events := make([]telemetry.Event, len(entries))
	for i, e := range entries {
		events[i] = e.evt
	}
	return events, nil
}

// Close releases the sequence lease and closes the database.
func (p *BadgerPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	seqErr := p.seq.Release()
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("persist.BadgerPersister: close: %w", err)
	}
	if seqErr != nil {
		return fmt.Errorf("persist.BadgerPersister: release sequence: %w", seqErr)
	}
	return nil
}
