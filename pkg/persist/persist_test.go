package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/telemetria/telemetria/pkg/backend"
	"github.com/telemetria/telemetria/pkg/config"
	"github.com/telemetria/telemetria/pkg/telemetry"
)

var testTime = time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)

func testEvent(typ telemetry.EventType, session string, fields map[string]any) telemetry.Event {
	return telemetry.Event{
		Type:      typ,
		Timestamp: testTime,
		SessionID: session,
		UserID:    "player-1",
		GameID:    "42",
		Fields:    fields,
	}
}

func assertEvent(t *testing.T, got, want telemetry.Event) {
	t.Helper()
	if got.Type != want.Type || got.SessionID != want.SessionID ||
		got.UserID != want.UserID || got.GameID != want.GameID {
		t.Errorf("event = %+v, want %+v", got, want)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	if len(got.Fields) != len(want.Fields) {
		t.Errorf("Fields = %v, want %v", got.Fields, want.Fields)
	}
}

func TestBadgerPersister_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events.badger")
	p, err := NewBadgerPersister(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := []telemetry.Event{
		testEvent(telemetry.EventStartSession, "s1", nil),
		testEvent("Jump", "s1", map[string]any{"height": 3.5}),
		testEvent(telemetry.EventEndSession, "s1", nil),
	}
	for _, evt := range want {
		if err := p.Save(evt); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := p.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("Events returned %d, want %d", len(got), len(want))
	}
	for i := range want {
		assertEvent(t, got[i], want[i])
	}
	if got[1].Fields["height"] != 3.5 {
		t.Errorf("Fields[height] = %v, want 3.5", got[1].Fields["height"])
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := p.Save(want[0]); !errors.Is(err, telemetry.ErrClosed) {
		t.Errorf("Save after Close: got %v, want ErrClosed", err)
	}
}

func TestBadgerPersister_ReopenKeepsOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events.badger")

	// Session ids sort opposite to save order.
	for _, session := range []string{"zz", "aa"} {
		p, err := NewBadgerPersister(dir, telemetry.YAMLSerializer{})
		if err != nil {
			t.Fatal(err)
		}
		for _, typ := range []telemetry.EventType{telemetry.EventStartSession, telemetry.EventEndSession} {
			if err := p.Save(testEvent(typ, session, nil)); err != nil {
				t.Fatal(err)
			}
		}
		if err := p.Close(); err != nil {
			t.Fatal(err)
		}
	}

	db, err := OpenBadgerDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	all, err := BadgerEvents(db, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}
	if all[0].SessionID != "zz" || all[3].SessionID != "aa" {
		t.Errorf("events not in save order: %s ... %s", all[0].SessionID, all[3].SessionID)
	}

	aa, err := BadgerEvents(db, "aa")
	if err != nil {
		t.Fatal(err)
	}
	if len(aa) != 2 || aa[0].Type != telemetry.EventStartSession {
		t.Errorf("session aa events = %+v", aa)
	}
}

func TestKeySeq(t *testing.T) {
	key := eventKey("3f2a-uuid", 17)
	if !strings.HasPrefix(key, "event:3f2a-uuid:") {
		t.Errorf("eventKey = %q", key)
	}
	n, ok := keySeq(key)
	if !ok || n != 17 {
		t.Errorf("keySeq(%q) = %d, %v", key, n, ok)
	}
	if _, ok := keySeq("event:nosep"); ok {
		t.Error("keySeq should reject a key without a sequence")
	}
}

func TestSQLitePersister_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	p, err := NewSQLitePersister(path)
	if err != nil {
		t.Fatal(err)
	}

	want := []telemetry.Event{
		testEvent(telemetry.EventStartSession, "s1", nil),
		testEvent("Score", "s1", map[string]any{"points": float64(120), "level": "caves"}),
	}
	for _, evt := range want {
		if err := p.Save(evt); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := p.Events(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	for i := range want {
		assertEvent(t, got[i], want[i])
	}
	if got[0].Fields != nil {
		t.Errorf("empty fields should read back nil, got %v", got[0].Fields)
	}
	if got[1].Fields["level"] != "caves" || got[1].Fields["points"] != float64(120) {
		t.Errorf("Fields = %v", got[1].Fields)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Rows survive a reopen and new rows sort after them.
	p, err = NewSQLitePersister(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Save(testEvent(telemetry.EventEndSession, "s1", nil)); err != nil {
		t.Fatal(err)
	}
	got, err = p.Events(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[2].Type != telemetry.EventEndSession {
		t.Errorf("after reopen got %+v", got)
	}
}

func TestSQLitePersister_EmptyPath(t *testing.T) {
	if _, err := NewSQLitePersister("  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestSQLitePersister_NilClose(t *testing.T) {
	var p *SQLitePersister
	if err := p.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func newLocalBackend(t *testing.T, dir string) *backend.RcloneBackend {
	t.Helper()
	b, err := backend.NewRcloneBackend("test_local", "local", dir, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func readObject(t *testing.T, path string) []telemetry.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	events, err := DecodeEvents(f)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func TestRemotePersister_FlushUploads(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	p, err := NewRemotePersister(ctx, newLocalBackend(t, dir), "sessions/s1.json", nil)
	if err != nil {
		t.Fatal(err)
	}

	object := filepath.Join(dir, "sessions", "s1.json")
	if err := p.Save(testEvent(telemetry.EventStartSession, "s1", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(object); !os.IsNotExist(err) {
		t.Fatalf("object written before Flush: %v", err)
	}

	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := readObject(t, object); len(got) != 1 {
		t.Fatalf("object holds %d events, want 1", len(got))
	}

	// A clean flush must not upload again.
	if err := os.Remove(object); err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(object); !os.IsNotExist(err) {
		t.Error("clean Flush rewrote the object")
	}

	if err := p.Save(testEvent(telemetry.EventEndSession, "s1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := readObject(t, object)
	if len(got) != 2 || got[1].Type != telemetry.EventEndSession {
		t.Errorf("object after Close = %+v", got)
	}
}

func TestRemotePersister_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	for _, typ := range []telemetry.EventType{telemetry.EventStartSession, telemetry.EventEndSession} {
		p, err := NewRemotePersister(ctx, newLocalBackend(t, dir), "log.yaml", telemetry.YAMLSerializer{})
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Save(testEvent(typ, "s1", nil)); err != nil {
			t.Fatal(err)
		}
		if err := p.Close(); err != nil {
			t.Fatal(err)
		}
	}

	got := readObject(t, filepath.Join(dir, "log.yaml"))
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != telemetry.EventStartSession || got[1].Type != telemetry.EventEndSession {
		t.Errorf("events = %+v", got)
	}
}

func TestRemoteEvents(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b := newLocalBackend(t, dir)
	defer b.Close()

	// Objects are written out of name order; a subdirectory is skipped.
	for _, obj := range []struct {
		name    string
		session string
	}{
		{"sessions/b.json", "s2"},
		{"sessions/a.json", "s1"},
		{"sessions/old/c.json", "s0"},
	} {
		p, err := NewRemotePersister(ctx, newLocalBackend(t, dir), obj.name, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Save(testEvent(telemetry.EventStartSession, obj.session, nil)); err != nil {
			t.Fatal(err)
		}
		if err := p.Close(); err != nil {
			t.Fatal(err)
		}
	}

	single, err := RemoteEvents(ctx, b, "sessions/b.json")
	if err != nil {
		t.Fatalf("RemoteEvents object: %v", err)
	}
	if len(single) != 1 || single[0].SessionID != "s2" {
		t.Errorf("object events = %+v", single)
	}

	all, err := RemoteEvents(ctx, b, "sessions")
	if err != nil {
		t.Fatalf("RemoteEvents dir: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("dir events = %d, want 2", len(all))
	}
	if all[0].SessionID != "s1" || all[1].SessionID != "s2" {
		t.Errorf("dir events out of name order: %q, %q", all[0].SessionID, all[1].SessionID)
	}

	if _, err := RemoteEvents(ctx, b, "missing.json"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("missing object: got %v, want ErrNotFound", err)
	}
}

func TestNewBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := config.PersisterConfig{Name: "bucket", Type: "remote", BackendType: "local", Remote: dir}
	b, err := NewBackend(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Name() != "bucket" || b.Type() != "local" {
		t.Errorf("Name/Type = %q/%q", b.Name(), b.Type())
	}
	if got := RemoteObject(cfg); got != DefaultRemoteObject {
		t.Errorf("RemoteObject = %q, want %q", got, DefaultRemoteObject)
	}
	cfg.Path = "logs/x.json"
	if got := RemoteObject(cfg); got != "logs/x.json" {
		t.Errorf("RemoteObject = %q", got)
	}

	if _, err := NewBackend(config.PersisterConfig{Name: "db", Type: "sqlite"}); !errors.Is(err, telemetry.ErrInvalidConfig) {
		t.Errorf("sqlite entry: got %v, want ErrInvalidConfig", err)
	}
}

func TestDecodeEvents(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"json lines", `{"event_type":"A"}` + "\n\n" + `{"event_type":"B"}` + "\n", 2},
		{"yaml documents", "---\nevent_type: A\n---\nevent_type: B\n---\nevent_type: C\n", 3},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvents(strings.NewReader(tt.input))
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}

	if _, err := DecodeEvents(strings.NewReader("{\"event_type\":\"A\"}\nnot json\n")); err == nil ||
		!strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line 2 error, got %v", err)
	}
}

func TestNew(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()
	remoteDir := t.TempDir()

	tests := []struct {
		cfg  config.PersisterConfig
		file string
	}{
		{config.PersisterConfig{Name: "f", Type: "file", Path: "out.jsonl"}, "out.jsonl"},
		{config.PersisterConfig{Name: "o", Type: "stdout", Format: "yaml"}, ""},
		{config.PersisterConfig{Name: "h", Type: "http", Addr: "http://127.0.0.1:1"}, ""},
		{config.PersisterConfig{Name: "kv", Type: "badger"}, "kv.badger"},
		{config.PersisterConfig{Name: "db", Type: "sqlite", Path: "t.db"}, "t.db"},
		{config.PersisterConfig{Name: "r", Type: "remote", BackendType: "local", Remote: remoteDir}, ""},
		{config.PersisterConfig{Name: "n", Type: "nop"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			p, err := New(ctx, tt.cfg, base)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer p.Close()

			n, ok := p.(telemetry.Named)
			if !ok || n.Name() != tt.cfg.Name {
				t.Errorf("persister not labelled %q", tt.cfg.Name)
			}
			if _, ok := p.(telemetry.Flusher); !ok {
				t.Error("named persister should forward Flush")
			}
			if tt.file != "" {
				if _, err := os.Stat(filepath.Join(base, tt.file)); err != nil {
					t.Errorf("expected %s under base dir: %v", tt.file, err)
				}
			}
		})
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, config.PersisterConfig{Name: "x", Type: "kafka"}, ""); !errors.Is(err, telemetry.ErrInvalidConfig) {
		t.Errorf("unknown type: got %v, want ErrInvalidConfig", err)
	}
	if _, err := New(ctx, config.PersisterConfig{Name: "x", Type: "nop", Format: "xml"}, ""); !errors.Is(err, telemetry.ErrInvalidConfig) {
		t.Errorf("bad format: got %v, want ErrInvalidConfig", err)
	}
	if _, err := New(ctx, config.PersisterConfig{Name: "x", Type: "remote", BackendType: "nope"}, ""); err == nil {
		t.Error("expected error for unknown backend type")
	}
}

func TestNew_AbsolutePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "abs.jsonl")
	p, err := New(context.Background(), config.PersisterConfig{Name: "f", Type: "file", Path: abs}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if _, err := os.Stat(abs); err != nil {
		t.Errorf("absolute path not used: %v", err)
	}
}

func TestRecorderWithStores(t *testing.T) {
	dataDir := t.TempDir()
	rec, err := telemetry.New(telemetry.Config{
		UserID:                  "player-1",
		DataDir:                 dataDir,
		DisableDefaultPersister: true,
		FlushInterval:           time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for _, cfg := range []config.PersisterConfig{
		{Name: "kv", Type: "badger"},
		{Name: "db", Type: "sqlite"},
	} {
		p, err := New(ctx, cfg, rec.Dir())
		if err != nil {
			t.Fatal(err)
		}
		if err := rec.AddPersister(p); err != nil {
			t.Fatal(err)
		}
	}

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	rec.TrackEvent(telemetry.NewEvent("Jump", map[string]any{"height": 2.0}))
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := OpenBadgerDB(filepath.Join(rec.Dir(), "kv.badger"))
	if err != nil {
		t.Fatal(err)
	}
	kv, err := BadgerEvents(db, rec.SessionID())
	db.Close()
	if err != nil {
		t.Fatal(err)
	}

	sqlDB, err := OpenSQLiteDB(filepath.Join(rec.Dir(), "db.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sqlDB.Close()
	rows, err := SQLiteEvents(ctx, sqlDB, rec.SessionID())
	if err != nil {
		t.Fatal(err)
	}

	for name, events := range map[string][]telemetry.Event{"badger": kv, "sqlite": rows} {
		if len(events) != 3 {
			t.Errorf("%s: got %d events, want 3", name, len(events))
			continue
		}
		if events[0].Type != telemetry.EventStartSession || events[1].Type != "Jump" ||
			events[2].Type != telemetry.EventEndSession {
			t.Errorf("%s: order = %s %s %s", name, events[0].Type, events[1].Type, events[2].Type)
		}
		if events[1].GameID != events[0].GameID || events[1].GameID == "" {
			t.Errorf("%s: correlation id not shared: %q vs %q", name, events[1].GameID, events[0].GameID)
		}
	}
}
