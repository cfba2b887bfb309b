package guillotina

import (
	"errors"
	"fmt"
	"testing"
)

func TestConflictClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
		isBase   bool
	}{
		{"plain", ErrConflict, true, true},
		{"tid", ErrTIDConflict, true, true},
		{"wrapped tid", NewConflictError(ErrTIDConflict, "a", "b"), true, true},
		{"id on container", ErrConflictIDOnContainer, false, false},
		{"not found", &KeyNotFoundError{Key: "x"}, false, false},
		{"exhausted", Error{Code: ConflictRetriesExhausted, Err: NewConflictError(nil, "a")}, false, true},
		{"nil", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v, want %v", got, tt.conflict)
			}
			if got := errors.Is(tt.err, ErrConflict); got != tt.isBase {
				t.Errorf("errors.Is(ErrConflict) = %v, want %v", got, tt.isBase)
			}
		})
	}
}

func TestConflictOIDs(t *testing.T) {
	err := fmt.Errorf("commit: %w", NewConflictError(nil, "x", "y"))
	if oids := ConflictOIDs(err); len(oids) != 2 || oids[0] != "x" {
		t.Errorf("ConflictOIDs = %v", oids)
	}
	if ConflictOIDs(ErrConflict) != nil {
		t.Error("expected no oids for bare sentinel")
	}
}

func TestTypedNotFoundErrors(t *testing.T) {
	if !errors.Is(&KeyNotFoundError{Key: "k"}, ErrNotFound) {
		t.Error("KeyNotFoundError should match ErrNotFound")
	}
	err := fmt.Errorf("read: %w", &BlobChunkNotFoundError{BID: "b", Index: 3})
	if !errors.Is(err, ErrBlobChunkNotFound) {
		t.Error("BlobChunkNotFoundError should match ErrBlobChunkNotFound")
	}
	var bce *BlobChunkNotFoundError
	if !errors.As(err, &bce) || bce.Index != 3 {
		t.Errorf("errors.As = %+v", bce)
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(nil) || ShouldRetry(ErrConflict) || ShouldRetry(ErrReadOnly) {
		t.Error("permanent errors reported retryable")
	}
	if !ShouldRetry(errors.New("connection reset by peer")) {
		t.Error("transient error reported permanent")
	}
}
