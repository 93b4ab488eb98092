package elfedit

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoProgramHeaders is returned when writing a file that had no program
	// header table to begin with.
	ErrNoProgramHeaders = errors.New("file has no program header table")

	// ErrTooManySegments is returned when the program header table would need
	// extended numbering.
	ErrTooManySegments = errors.New("too many program headers")
)

// A ParseError is returned when data is not a well-formed ELF image. Err is
// the underlying cause, an *elf.FormatError from debug/elf when it detected
// the problem.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	if errors.Is(e.Err, io.EOF) || errors.Is(e.Err, io.ErrUnexpectedEOF) {
		return "not an ELF image: file is truncated"
	}
	return "not an ELF image: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// A wrappedError is an error wrapped with a location for context.
type wrappedError struct {
	location string
	inner    error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %v", e.location, e.inner)
}

func (e *wrappedError) Unwrap() error {
	return e.inner
}

// wrapError returns an error wrapped with a location for context.
func wrapError(e error, loc string) error {
	if we, ok := e.(*wrappedError); ok {
		return &wrappedError{
			location: loc + ": " + we.location,
			inner:    we.inner,
		}
	}
	return &wrappedError{
		location: loc,
		inner:    e,
	}
}

// wrapErrorf returns an error wrapped with a formatted location for context.
func wrapErrorf(e error, f string, a ...interface{}) error {
	return wrapError(e, fmt.Sprintf(f, a...))
}

func wrapErrorSegment(e error, i int) error {
	return wrapErrorf(e, "segment %d", i)
}
