package usage

import "fmt"

// TaxonomyError reports an event of unrecognized kind or with malformed
// required fields. Raw holds the undecoded payload when one was available.
type TaxonomyError struct {
	Kind   Kind
	Reason string
	Raw    []byte
	Event  Event
}

func (e *TaxonomyError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("usage taxonomy error: %s", e.Reason)
	}
	return fmt.Sprintf("usage taxonomy error (%s): %s", e.Kind, e.Reason)
}
