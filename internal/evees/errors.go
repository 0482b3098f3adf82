package evees

import (
	"errors"
	"fmt"

	"github.com/systemshift/evees/internal/entity"
)

var (
	ErrConfiguration       = errors.New("evees: configuration error")
	ErrMultipleHeads       = errors.New("evees: multiple heads after condensation")
	ErrRemoteNotFound      = errors.New("evees: remote not found")
	ErrPermissionDenied    = errors.New("evees: permission denied")
	ErrNoHead              = errors.New("evees: perspective has no head")
	ErrPerspectiveNotFound = fmt.Errorf("evees: perspective %w", entity.ErrNotFound)
)

func perspectiveNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrPerspectiveNotFound, id)
}

func noBase(layer string) error {
	return fmt.Errorf("%w: %s has no base client", ErrConfiguration, layer)
}
