// Package ids generates the identifiers used across the pipeline: ULIDs for
// wire messages and dispatcher tasks, UUIDs for stored rows, and name-based
// UUIDs for event identity.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EventNamespace scopes deterministic event ids. Changing it changes the id of
// every event and breaks deduplication against existing rows.
var EventNamespace = uuid.MustParse("6f1c2d0e-8b8a-4f4e-9a57-3c5e0d9b7a21")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewRecordID returns a random UUID for stored rows.
func NewRecordID() uuid.UUID {
	return uuid.New()
}

// EventID derives the identity of a logical event from its kind and natural
// key parts. Re-publishing or redelivering the same event yields the same id.
func EventID(kind string, parts ...string) uuid.UUID {
	name := kind + "\x00" + strings.Join(parts, "\x00")
	return uuid.NewSHA1(EventNamespace, []byte(name))
}
