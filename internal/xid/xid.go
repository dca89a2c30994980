package xid

import "github.com/google/uuid"

// New returns a time-ordered identifier with the given prefix.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
