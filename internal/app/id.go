package app

import "github.com/google/uuid"

// generateID returns a UUIDv7: random but ordered by creation time, which
// keeps primary-key inserts append-mostly in SQLite.
func generateID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
