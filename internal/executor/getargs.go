package executor

import "context"

type ctxKey int

const getargsKey ctxKey = iota

// withGetargs attaches a consumer's resolved getargs values to ctx so its
// action callables can read them without the core mutating coretypes.Task
// at run time.
func withGetargs(ctx context.Context, values map[string]any) context.Context {
	return context.WithValue(ctx, getargsKey, values)
}

// Getargs returns the calling action's resolved getargs values, or nil if
// none were declared. Actions registered as ActionFunc read this to access
// values pointed at by their task's Getargs map (§3, §4.3).
func Getargs(ctx context.Context) map[string]any {
	v, _ := ctx.Value(getargsKey).(map[string]any)
	return v
}
