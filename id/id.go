// Package id generates correlation identifiers for settlement requests, so
// a single settle call can be traced through logs. Adapted
// from the pack's payment-identifier helper (uuid-based, fixed prefix).
package id

import "github.com/google/uuid"

// NewCorrelationID returns a prefixed, globally unique ID for one
// settlement request, attached to the log lines Service.Settle emits
// while handling it.
func NewCorrelationID() string {
	return "stl_" + uuid.NewString()
}
