package telemetry

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// noGame is the counter value before the first StartSession event.
const noGame int64 = -1

// Stamper fills in the session, user and game identity of events.
type Stamper struct {
	mu        sync.Mutex
	sessionID string
	userID    string
	game      int64
}

// NewStamper creates a stamper with a fresh random session id.
func NewStamper(userID string) *Stamper {
	return &Stamper{
		sessionID: uuid.NewString(),
		userID:    userID,
		game:      noGame,
	}
}

// Stamp sets the identity fields of evt. A StartSession event advances the
// game counter before the correlation id is computed.
func (s *Stamper) Stamp(evt *Event) {
	s.mu.Lock()
	if evt.Type == EventStartSession {
		s.game++
	}
	game := s.game
	s.mu.Unlock()

	evt.SessionID = s.sessionID
	evt.UserID = s.userID
	evt.GameID = CorrelationID(game, s.userID, s.sessionID)
}

// Game returns the current game counter (-1 before any game started).
func (s *Stamper) Game() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.game
}

// SessionID returns the session id stamped on every event.
func (s *Stamper) SessionID() string { return s.sessionID }

// UserID returns the configured user id.
func (s *Stamper) UserID() string { return s.userID }

// CorrelationID derives the game correlation id from the game counter, user
// id and session id. Equal inputs always produce the same id.
func CorrelationID(game int64, userID, sessionID string) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(game))

	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(userID)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(sessionID)
	return strconv.FormatUint(d.Sum64(), 10)
}
