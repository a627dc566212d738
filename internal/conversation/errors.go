package conversation

import (
	"errors"
	"fmt"

	"github.com/kalambet/askd/internal/storage"
)

var (
	// ErrNotFound is returned when the conversation does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrForbidden is returned when the conversation belongs to another user.
	ErrForbidden = storage.ErrForbidden

	// ErrConcurrencyConflict is returned, wrapped together with ErrStorage,
	// when a message position stayed taken after the store's retry.
	ErrConcurrencyConflict = storage.ErrConflict

	ErrStorage           = errors.New("storage failure")
	ErrGenerationTimeout = errors.New("generation timed out")
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// storageErr wraps a store failure. NotFound and Forbidden pass through;
// anything else, including a conflict that outlived the store's retry, is
// tagged ErrStorage and keeps its cause for errors.Is.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrForbidden):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
