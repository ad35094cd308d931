package documents

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyProcessing means another ingestion run currently owns the
	// document; the second run must no-op rather than race.
	ErrAlreadyProcessing = errors.New("documents: ingestion already in progress")

	// ErrConsistency means a processed document has a chunk without a
	// resolved vector entry. It is never treated as success.
	ErrConsistency = errors.New("documents: processed document has unresolved chunk vectors")

	ErrEmptyDocument = errors.New("documents: document contains no extractable text")
)

// ExtractionError marks input that cannot be converted to text (unsupported
// or corrupt). It is terminal: ingestion records it and never retries.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("documents: extraction failed: %s", e.Reason)
}

// IsExtractionError reports whether err is terminal extraction failure.
func IsExtractionError(err error) bool {
	var extractionErr *ExtractionError
	return errors.As(err, &extractionErr)
}

// ValidationError rejects an upload before a document row is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("documents: invalid upload: %s", e.Reason)
}
