package entity

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("entity: not found")
	ErrEntityReferenced = errors.New("entity: still referenced")
)

func notFound(hashes ...string) error {
	if len(hashes) == 1 {
		return fmt.Errorf("%w: %s", ErrNotFound, hashes[0])
	}
	return fmt.Errorf("%w: %v", ErrNotFound, hashes)
}
