package guillotina

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a coded Error.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// ConflictRetriesExhausted is returned when a unit of work kept hitting conflicts
	// until the configured attempt count ran out.
	ConflictRetriesExhausted
	// StorageUnavailable signals the backend could not be reached or initialized.
	StorageUnavailable
	// InvalidConfiguration signals a Config that failed validation.
	InvalidConfiguration
)

// Error is a coded error. It unwraps to Err so callers can still use errors.Is
// against the sentinels below.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Errors.
var (
	ErrNotFound                    = errors.New("object not found")
	ErrConflict                    = errors.New("transaction conflict")
	ErrTIDConflict                 = fmt.Errorf("%w: object tid changed since it was read", ErrConflict)
	ErrConflictIDOnContainer       = errors.New("id already exists in container")
	ErrReadOnly                    = errors.New("storage is read only")
	ErrBlobChunkNotFound           = errors.New("blob chunk not found")
	ErrUnauthorized                = errors.New("write not permitted")
	ErrServerClosing               = errors.New("transaction manager is closing")
	ErrInvalidTransactionReference = errors.New("object belongs to another transaction")
	ErrTransactionClosed           = errors.New("transaction is not active")
	ErrNoTransaction               = errors.New("no active transaction")
	ErrInvalidStorageType          = errors.New("invalid storage type")
)

// KeyNotFoundError reports a missing oid, child or annotation.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, ErrNotFound)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// BlobChunkNotFoundError reports a chunk index absent from a blob.
type BlobChunkNotFoundError struct {
	BID   string
	Index int
}

func (e *BlobChunkNotFoundError) Error() string {
	return fmt.Sprintf("blob %s chunk %d: %v", e.BID, e.Index, ErrBlobChunkNotFound)
}

func (e *BlobChunkNotFoundError) Is(target error) bool {
	return target == ErrBlobChunkNotFound
}

// ConflictError names the oids a failed vote or store could not reconcile.
// Err is ErrConflict or ErrTIDConflict (or a driver error wrapping one of them).
type ConflictError struct {
	OIDs []string
	Err  error
}

func (e *ConflictError) Error() string {
	if len(e.OIDs) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v, oids: %s", e.Err, strings.Join(e.OIDs, ","))
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewConflictError builds a ConflictError; a nil err defaults to ErrConflict.
func NewConflictError(err error, oids ...string) *ConflictError {
	if err == nil {
		err = ErrConflict
	}
	return &ConflictError{OIDs: oids, Err: err}
}

// IsConflict reports whether err is an optimistic concurrency violation that warrants
// replaying the unit of work.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var ce Error
	if errors.As(err, &ce) && ce.Code == ConflictRetriesExhausted {
		return false
	}
	return errors.Is(err, ErrConflict)
}

// ConflictOIDs returns the oids carried by a ConflictError anywhere in err's chain.
func ConflictOIDs(err error) []string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.OIDs
	}
	return nil
}
