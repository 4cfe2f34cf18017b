package core

import "context"

type contextKey string

const (
	ctxKeyTrigger   contextKey = "run_trigger"
	ctxKeyIPAddress contextKey = "run_ip"
)

// Run triggers.
const (
	TriggerStartup = "startup"
	TriggerRestart = "restart"
	TriggerAPI     = "api"
)

// ContextWithTrigger records what started a run.
func ContextWithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, ctxKeyTrigger, trigger)
}

// TriggerFromContext returns the run trigger, defaulting to TriggerAPI.
func TriggerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTrigger).(string); ok && v != "" {
		return v
	}
	return TriggerAPI
}

// ContextWithIPAddress adds the requesting client's IP for run logging.
func ContextWithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyIPAddress, ip)
}

// GetIPAddressFromContext extracts the IP address from context.
func GetIPAddressFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyIPAddress).(string); ok {
		return v
	}
	return ""
}
