// Package fault defines the load fault taxonomy. Every fault names its
// kind, the natural keys involved and the date context so an operator
// can replay the offending snapshot or cost batch after correction.
package fault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/cost-attribution/internal/model"
)

// Kind classifies a fault.
type Kind string

const (
	// InputValidation is a malformed snapshot or cost row. Recovered by skipping the row.
	InputValidation Kind = "input_validation"
	// Consistency is a broken version interval invariant. Fatal.
	Consistency Kind = "consistency"
	// Orphan is a cost line referencing a customer or service never loaded.
	Orphan Kind = "orphan"
	// Conflict is an optimistic write check that found state changed underneath. Retryable.
	Conflict Kind = "conflict"
	// OutOfOrder is a snapshot dated before the current version it would expire. Fatal.
	OutOfOrder Kind = "out_of_order"
)

// Fault is a classified load error.
type Fault struct {
	Kind        Kind
	NaturalKeys []string
	Date        model.Date
	Detail      string
	Err         error
}

// New builds a fault.
func New(kind Kind, date model.Date, detail string, keys ...string) *Fault {
	return &Fault{Kind: kind, NaturalKeys: keys, Date: date, Detail: detail}
}

// Wrap builds a fault around an underlying error.
func Wrap(err error, kind Kind, date model.Date, detail string, keys ...string) *Fault {
	return &Fault{Kind: kind, NaturalKeys: keys, Date: date, Detail: detail, Err: err}
}

func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s fault", f.Kind)
	if len(f.NaturalKeys) > 0 {
		fmt.Fprintf(&b, " keys=[%s]", strings.Join(f.NaturalKeys, ","))
	}
	if !f.Date.IsZero() {
		fmt.Fprintf(&b, " date=%s", f.Date)
	}
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Retryable reports whether retrying the whole invocation may succeed.
func (f *Fault) Retryable() bool {
	return f.Kind == Conflict
}

// As returns the first fault in err's chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err's chain holds a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	f, ok := As(err)
	return ok && f.Kind == kind
}

// IsConflict reports whether err is a concurrent-write conflict.
func IsConflict(err error) bool {
	return IsKind(err, Conflict)
}
