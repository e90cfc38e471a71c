package client

import (
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// NetworkStatus describes what, if anything, the client is currently
// doing on the network for an observation. The values mirror the
// conventional GraphQL-client ladder so consumers can switch on them.
type NetworkStatus int

const (
	// NetworkStatusLoading is the first fetch of an observation.
	NetworkStatusLoading NetworkStatus = 1
	// NetworkStatusSetVariables is a fetch caused by a variables change.
	NetworkStatusSetVariables NetworkStatus = 2
	// NetworkStatusFetchMore is a pagination fetch.
	NetworkStatusFetchMore NetworkStatus = 3
	// NetworkStatusRefetch is an explicitly forced fetch.
	NetworkStatusRefetch NetworkStatus = 4
	// NetworkStatusPoll is a fetch caused by a poll tick.
	NetworkStatusPoll NetworkStatus = 6
	// NetworkStatusReady means no request is in flight and no error was
	// recorded for the last cycle.
	NetworkStatusReady NetworkStatus = 7
	// NetworkStatusError means the last cycle ended in an error.
	NetworkStatusError NetworkStatus = 8
)

// Loading reports whether the status represents an in-flight cycle.
func (s NetworkStatus) Loading() bool {
	switch s {
	case NetworkStatusLoading, NetworkStatusSetVariables, NetworkStatusFetchMore,
		NetworkStatusRefetch, NetworkStatusPoll:
		return true
	}
	return false
}

func (s NetworkStatus) String() string {
	switch s {
	case NetworkStatusLoading:
		return "loading"
	case NetworkStatusSetVariables:
		return "setVariables"
	case NetworkStatusFetchMore:
		return "fetchMore"
	case NetworkStatusRefetch:
		return "refetch"
	case NetworkStatusPoll:
		return "poll"
	case NetworkStatusReady:
		return "ready"
	case NetworkStatusError:
		return "error"
	}
	return "unknown"
}

// Result is a single delivery to the observers of a query.
//
// Errors carries GraphQL-level errors when the error policy surfaces
// them. Error is the single aggregate set only under ErrorPolicyNone (or
// for network failures); Partial is set only when Data is incomplete and
// a policy permitted delivering it anyway.
type Result struct {
	Data          map[string]any
	Errors        gqlerror.List
	Error         error
	Loading       bool
	NetworkStatus NetworkStatus
	Partial       bool
}

// queryError is the aggregate recorded on a query when a cycle fails.
// It keeps the network error and GraphQL errors distinguishable.
type queryError struct {
	networkError  error
	graphQLErrors gqlerror.List
}

func (e *queryError) Error() string {
	if e.networkError != nil {
		return e.networkError.Error()
	}
	return e.graphQLErrors.Error()
}

func (e *queryError) Unwrap() error {
	if e.networkError != nil {
		return e.networkError
	}
	return e.graphQLErrors
}

// NetworkError returns the transport-level failure, if any.
func (e *queryError) NetworkError() error { return e.networkError }

// GraphQLErrors returns the GraphQL-level errors, if any.
func (e *queryError) GraphQLErrors() gqlerror.List { return e.graphQLErrors }
