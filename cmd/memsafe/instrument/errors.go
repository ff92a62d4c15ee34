package instrument

import (
	"fmt"
	"go/token"
)

// InstrumentationError describes a parse failure, or a construct the pass
// left unchecked, with its source position.
//
//	main.go:42:15: index base has side effects; access not checked
//
//	Suggestion: assign the indexed value to a local variable first
type InstrumentationError struct {
	File       string // Source file path
	Line       int    // Line number (1-indexed)
	Column     int    // Column number (1-indexed)
	Message    string // Error message
	Suggestion string // Optional suggestion for fixing (empty if none)
}

// Error implements the error interface. Format: file:line:column: message,
// followed by the suggestion on its own paragraph when there is one.
func (e *InstrumentationError) Error() string {
	result := fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// NewInstrumentationError creates an error positioned at pos.
func NewInstrumentationError(fset *token.FileSet, pos token.Pos, msg string) *InstrumentationError {
	position := fset.Position(pos)
	return &InstrumentationError{
		File:    position.Filename,
		Line:    position.Line,
		Column:  position.Column,
		Message: msg,
	}
}

// NewInstrumentationErrorWithSuggestion creates a positioned error with a
// hint for resolving it.
func NewInstrumentationErrorWithSuggestion(fset *token.FileSet, pos token.Pos, msg, suggestion string) *InstrumentationError {
	err := NewInstrumentationError(fset, pos, msg)
	err.Suggestion = suggestion
	return err
}
