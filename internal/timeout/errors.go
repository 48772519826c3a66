package timeout

import "errors"

// ErrScopeTimeout is the cancellation cause attached to a context whose
// deadline scope has elapsed. Check with timeout.Expired(ctx) or
// errors.Is(context.Cause(ctx), ErrScopeTimeout).
var ErrScopeTimeout = errors.New("timeout: scope deadline exceeded")
