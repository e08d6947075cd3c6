package server

import (
	"context"
	"net/http"
)

// Service is the network layer of the index server.
type Service interface {
	// Start listens and serves HTTP. It blocks until a fatal error occurs or
	// the context is canceled.
	Start(ctx context.Context) error

	// Stop drains active connections until ctx expires.
	Stop(ctx context.Context) error

	// RegisterHTTPHandler registers a handler for a pattern. It must be
	// called before Start.
	RegisterHTTPHandler(pattern string, handler http.Handler)

	// HTTPMux returns the underlying ServeMux.
	HTTPMux() *http.ServeMux

	// Addr returns the bound listen address once Start has begun serving.
	Addr() string
}
