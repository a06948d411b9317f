// Package middleware provides HTTP middleware components for the prediction API.
package middleware

import (
	"context"
	"time"
)

type pluginContextKey struct{}

// PluginContext carries the authenticated service account's identity
// through a request, set by AuthenticatePlugin once an API key validates
// and read downstream by rate limiting and request logging. The "plugin"
// name survives from the key-management code this was adapted from; a
// service account here is the dev-mode stand-in for an OAuth2 principal.
type PluginContext struct {
	PluginID    string
	Name        string
	Permissions []string
	KeyID       string
	AuthTime    time.Time
}

// GetPluginContext retrieves the PluginContext stored on ctx, if any.
func GetPluginContext(ctx context.Context) (PluginContext, bool) {
	pluginCtx, ok := ctx.Value(pluginContextKey{}).(PluginContext)

	return pluginCtx, ok
}

// SetPluginContext returns a copy of ctx carrying pluginCtx.
func SetPluginContext(ctx context.Context, pluginCtx PluginContext) context.Context {
	return context.WithValue(ctx, pluginContextKey{}, pluginCtx)
}

// HasPermission reports whether the authenticated principal carries the
// named role claim (PredictionUser, PredictionAdmin, DataScientist).
func (p PluginContext) HasPermission(permission string) bool {
	for _, got := range p.Permissions {
		if got == permission {
			return true
		}
	}

	return false
}
