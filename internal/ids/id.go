// Package ids centralizes identifier generation for every aggregate the
// broker owns. Two distinct generators are used because the domain has
// two distinct needs: short-lived, human-glanceable identifiers for
// broker-issued keys (tickets, conversations, monitor subscribers), and a
// specifically-shaped UUID for the CLI session-id handshake the Runner
// hands to a freshly spawned subprocess.
package ids

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 32-character nanoid using an alphanumeric alphabet.
// Used for ticketId, conversationId and monitor subscriber ids. Agent ids
// are supplied by the registering client, and turn ids are SQLite
// autoincrement keys.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 32)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// NewSessionID returns a fresh UUID for a new-session CLI invocation.
func NewSessionID() string {
	return uuid.NewString()
}
