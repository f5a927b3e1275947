// Package requestctx carries the authenticated subject through request contexts.
package requestctx

import "context"

// subjectIDContextKey is the context key for the authenticated subject.
type subjectIDContextKey struct{}

// WithSubjectID stores a validated token subject in context.
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, subjectIDContextKey{}, subjectID)
}

// SubjectIDFromContext returns the subject stored in context, or "".
func SubjectIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(subjectIDContextKey{}).(string)
	return value
}
