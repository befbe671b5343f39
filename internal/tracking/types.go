// Package tracking runs one polling task per tracked (chat, address) pair
// and notifies the chat when the published schedule of that address
// changes.
//
// Registrations are persisted and relaunched on startup; the last observed
// fingerprint of each pair lives only in memory, so the first poll after a
// start or restart establishes a baseline without notifying.
package tracking

import (
	"errors"
	"fmt"
	"strconv"

	"outagewatch/internal/addressbook"
)

var (
	ErrInvalidIndex = errors.New("invalid address index")
	ErrNotTracked   = errors.New("address is not tracked")
)

// Key identifies a tracked pair. Index is the 0-based position of the
// address in the chat's list.
type Key struct {
	Chat  string
	Index int
}

func (k Key) String() string { return k.Chat + "_" + strconv.Itoa(k.Index) }

// Registrations maps a chat id to its tracked indices.
type Registrations map[string][]int

// AddressSource resolves an index to the chat's current address.
type AddressSource interface {
	Get(chat string, index int) (addressbook.Address, bool)
}

// ChangeMessage is the notification text for a detected change.
func ChangeMessage(index int, a addressbook.Address, text string) string {
	return fmt.Sprintf("🔔 Зміни для адреси %d (%s):\n\n%s", index+1, a.String(), text)
}
