// Package xerrors provides centralized error definitions for the crawl engine.
// Errors are organized by domain to avoid duplication and provide consistent naming.
//
// Naming conventions:
//   - Exported errors (Err*): use for errors that callers need to check with errors.Is
//   - All sentinel errors are defined as variables, not inline errors.New calls
//   - Use fmt.Errorf with %w to wrap sentinel errors with context
package xerrors

import "errors"

// Planner errors.
var (
	// ErrRangeAppliedTwice indicates both the remote fetch and the post-filter
	// stage would apply a range, violating the apply-exactly-once invariant.
	ErrRangeAppliedTwice = errors.New("range would be applied more than once")

	// ErrInvalidRange indicates a malformed or inverted range.
	ErrInvalidRange = errors.New("invalid range")
)
