// Package transport defines the network contract consumed by the query
// engine and provides an HTTP implementation of it.
//
// Transport failures (connection refused, timeouts, bad status) are
// returned as ordinary Go errors; GraphQL-level errors travel in-band in
// Response.Errors. The engine relies on that split to classify errors
// per its error policy.
package transport

import (
	"context"

	"github.com/vektah/gqlparser/v2/gqlerror"

	language "github.com/hanpama/graphwatch/internal/language"
)

// Operation is a single GraphQL request.
type Operation struct {
	Query         string
	OperationName string
	Variables     map[string]any

	// Document is the parsed form of Query when the caller has it; the
	// HTTP transport does not need it but other transports may.
	Document *language.QueryDocument
}

// Response is the payload of a completed operation.
type Response struct {
	Data   map[string]any
	Errors gqlerror.List
}

// Transport executes a single operation and returns its result.
// Implementations must respect ctx cancellation.
type Transport interface {
	Execute(ctx context.Context, op Operation) (*Response, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, op Operation) (*Response, error)

func (f Func) Execute(ctx context.Context, op Operation) (*Response, error) {
	return f(ctx, op)
}
