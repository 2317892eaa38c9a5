package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string, used to make consumer tags unique
// across worker restarts.
func NewID() string {
	return ulid.Make().String()
}
