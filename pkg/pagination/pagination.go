// Package pagination parses limit/offset query parameters.
package pagination

import (
	"fmt"
	"strconv"
)

// Bounds for list endpoints
const (
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// Params is a validated page request
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Parse reads limit and offset strings. Empty values take the defaults;
// limits outside [MinLimit, MaxLimit] are clamped. Non-numeric values and
// negative offsets are errors.
func Parse(limitStr, offsetStr string) (Params, error) {
	p := Params{Limit: DefaultLimit}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < MinLimit:
			p.Limit = MinLimit
		case l > MaxLimit:
			p.Limit = MaxLimit
		default:
			p.Limit = l
		}
	}

	if offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid offset parameter: %w", err)
		}
		if o < 0 {
			return Params{}, fmt.Errorf("offset must not be negative")
		}
		p.Offset = o
	}

	return p, nil
}

// Next returns the params for the page after one that returned n items,
// and false when that page was the last
func (p Params) Next(n int) (Params, bool) {
	if n < p.Limit {
		return p, false
	}
	return Params{Limit: p.Limit, Offset: p.Offset + n}, true
}
