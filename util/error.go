// Package util holds the error type used to carry log fields from the place
// a problem is found to the place it is reported.
package util

import (
	"errors"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"
)

// ContextualError is a message with structured fields and an optional cause.
// It is logged with the fields attached instead of flattened into the text.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err in a ContextualError unless it already is
// one.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its fields when it carries any, and
// under msg otherwise.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

// WithField returns a copy of ce with k set.
func (ce *ContextualError) WithField(k string, v any) *ContextualError {
	f := make(map[string]any, len(ce.Fields)+1)
	maps.Copy(f, ce.Fields)
	f[k] = v
	return &ContextualError{Context: ce.Context, Fields: f, RealError: ce.RealError}
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	return fmt.Errorf("%s (%v): %w", ce.Context, ce.Fields, ce.RealError).Error()
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

// Entry returns a log entry carrying the fields and cause of ce.
func (ce *ContextualError) Entry(l *logrus.Logger) *logrus.Entry {
	e := l.WithFields(ce.Fields)
	if ce.RealError != nil {
		e = e.WithError(ce.RealError)
	}
	return e
}

// Log writes ce at error level.
func (ce *ContextualError) Log(l *logrus.Logger) {
	ce.Entry(l).Error(ce.Context)
}

// Warn writes ce at warning level.
func (ce *ContextualError) Warn(l *logrus.Logger) {
	ce.Entry(l).Warn(ce.Context)
}
