package handlers

import "net/http"

// ScopeMiddleware binds a database connection to the request context.
type ScopeMiddleware func(http.HandlerFunc) http.HandlerFunc
