package types

import "sort"

// Event represents a typed event emitted during ledger transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Keys returns the attribute names in sorted order so renderings are
// deterministic.
func (e *Event) Keys() []string {
	if e == nil || len(e.Attributes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
