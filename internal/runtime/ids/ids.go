package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a time-sortable ULID encoded as a 26-character string.
// Used for message UUIDs, peer identities, and trace/span identifiers.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewStreamID returns a random identifier for one stream instance. Stream IDs
// only need uniqueness, not sortability, so a plain UUIDv4 is enough.
func NewStreamID() string {
	return uuid.NewString()
}
