package models

import (
	"errors"
	"fmt"
)

var (
	// ErrBotChallenge marks web content that is an anti-automation interstitial
	// rather than the page the user asked for.
	ErrBotChallenge = errors.New("content is a bot-challenge placeholder")

	// ErrSessionBusy is returned when a mutating session operation is attempted
	// while a reply is still streaming.
	ErrSessionBusy = errors.New("session has a reply in flight")

	// ErrUnsupportedSource is returned for unknown or misused source types.
	ErrUnsupportedSource = errors.New("unsupported source type")
)

// ExtractionError reports that text could not be extracted from a source.
type ExtractionError struct {
	Source    SourceType
	Handle    string
	Reason    string
	Challenge bool
	Err       error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extract %s %q: %s", e.Source, e.Handle, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBotChallenge) match flagged extraction errors.
func (e *ExtractionError) Is(target error) bool {
	return target == ErrBotChallenge && e.Challenge
}

// NotFoundError reports an operation on an unknown document id.
type NotFoundError struct {
	ID     string
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("document %s not found: %s", e.ID, e.Detail)
	}
	return fmt.Sprintf("document %s not found", e.ID)
}

// StorageError reports a failed artifact or registry write/delete.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// GenerationError reports a failed or interrupted completion call.
// Partial is set when some output was produced before the failure.
type GenerationError struct {
	Partial bool
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Partial {
		return fmt.Sprintf("generation interrupted: %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsExtraction reports whether err is or wraps an *ExtractionError.
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// IsStorage reports whether err is or wraps a *StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsGeneration reports whether err is or wraps a *GenerationError.
func IsGeneration(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}
