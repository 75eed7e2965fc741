package incident

import (
	"errors"
	"sort"
	"strings"
)

// InvalidInputError reports which fields of a Report are absent or invalid.
type InvalidInputError struct {
	Fields map[string]string // field name -> reason
}

func (e *InvalidInputError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid incident report: " + strings.Join(parts, "; ")
}

// IsInvalidInput reports whether err is or wraps an *InvalidInputError.
func IsInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}
