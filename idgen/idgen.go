// Package idgen produces saga identifiers.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique identifiers. Identifiers produced by one
// generator sort in creation order.
type Generator interface {
	NewID() (string, error)
}

// UUIDv7 generates RFC 9562 version 7 UUIDs. They embed a millisecond
// timestamp followed by a per-process monotonic counter, so their canonical
// string form sorts lexically in generation order.
type UUIDv7 struct{}

// NewUUIDv7 returns a UUIDv7 generator.
func NewUUIDv7() *UUIDv7 {
	return &UUIDv7{}
}

// NewID implements Generator.
func (*UUIDv7) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}
	return id.String(), nil
}

// Func adapts a plain function to Generator.
type Func func() (string, error)

// NewID implements Generator.
func (f Func) NewID() (string, error) {
	return f()
}
