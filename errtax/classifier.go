// Package errtax provides a behavioral error taxonomy: a classifier that
// maps an arbitrary error to a short label ("ETIMEDOUT", "ECONNRESET") for
// structured logging and measurement, without introducing a closed error
// hierarchy — stages keep returning plain wrapped/sentinel errors and only
// classify them at the logging boundary.
//
// Adapted from: _examples/bassosimone-nop/errclassifier.go; [Default]
// delegates every non-nil error to the teacher's `errclass.New`.
package errtax

import (
	"github.com/bassosimone/errclass"
)

// Classifier classifies an error into a short descriptive label.
type Classifier interface {
	Classify(err error) string
}

// Func adapts a plain function to [Classifier].
type Func func(error) string

var _ Classifier = Func(nil)

// Classify implements [Classifier].
func (f Func) Classify(err error) string { return f(err) }

// Default classifies socket-level causes via errclass.New and returns ""
// for anything else (including nil), matching the teacher's no-op-by-default
// convention while actually doing useful work for the common case.
var Default = Func(func(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
})
