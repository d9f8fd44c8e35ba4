// ABOUTME: Request context key types and constants for the api package.
// ABOUTME: Used by middleware to inject auth state and by handlers to read it.
package api

import "context"

type contextKey int

const (
	ctxOperator contextKey = iota // string: subject of the operator token
)

// operatorFrom returns the authenticated operator's subject, or "" outside
// admin routes.
func operatorFrom(ctx context.Context) string {
	s, _ := ctx.Value(ctxOperator).(string)
	return s
}
