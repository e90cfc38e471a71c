package client

import (
	"time"

	language "github.com/hanpama/graphwatch/internal/language"
)

// FetchPolicy governs cache-vs-network consultation order for an
// observation cycle.
type FetchPolicy string

const (
	// FetchPolicyCacheFirst reads the cache and fetches only when the
	// cached result is incomplete.
	FetchPolicyCacheFirst FetchPolicy = "cache-first"
	// FetchPolicyCacheAndNetwork delivers cached data immediately and
	// always fetches, producing up to two deliveries per cycle.
	FetchPolicyCacheAndNetwork FetchPolicy = "cache-and-network"
	// FetchPolicyNetworkOnly always fetches; the result is still
	// written into the shared cache.
	FetchPolicyNetworkOnly FetchPolicy = "network-only"
	// FetchPolicyNoCache always fetches and never touches the shared
	// cache.
	FetchPolicyNoCache FetchPolicy = "no-cache"
	// FetchPolicyCacheOnly never fetches; an incomplete cache yields a
	// partial result.
	FetchPolicyCacheOnly FetchPolicy = "cache-only"
	// FetchPolicyStandby is fully inert until the policy changes.
	FetchPolicyStandby FetchPolicy = "standby"
)

// usesCache reports whether results fetched under the policy are written
// back into the shared store. It is part of the request dedup key: a
// no-cache fetch cannot be satisfied by joining a cache-writing one.
func (p FetchPolicy) usesCache() bool { return p != FetchPolicyNoCache }

// ErrorPolicy controls whether GraphQL-level errors fail the
// observation, are hidden, or are surfaced alongside partial data.
type ErrorPolicy string

const (
	ErrorPolicyNone   ErrorPolicy = "none"
	ErrorPolicyIgnore ErrorPolicy = "ignore"
	ErrorPolicyAll    ErrorPolicy = "all"
)

// WatchOptions configures an ObservableQuery.
type WatchOptions struct {
	// Query is the GraphQL source. Ignored when Document is set.
	Query string

	// Document is the parsed query. Parsed from Query when nil.
	Document *language.QueryDocument

	// OperationName selects the operation in multi-operation documents.
	OperationName string

	// Variables for the operation.
	Variables map[string]any

	// FetchPolicy defaults to cache-first.
	FetchPolicy FetchPolicy

	// NextFetchPolicy, when set, replaces FetchPolicy once, immediately
	// after the first successful network completion of the current
	// variables epoch. It is undone whenever variables change.
	NextFetchPolicy FetchPolicy

	// ErrorPolicy defaults to none.
	ErrorPolicy ErrorPolicy

	// PollInterval > 0 enables polling while at least one observer is
	// subscribed.
	PollInterval time.Duration

	// ReturnPartialData permits delivering incomplete cached data while
	// the network fetch is in flight.
	ReturnPartialData bool

	// NotifyOnNetworkStatusChange delivers loading results for
	// refetch/poll/fetchMore cycles, not just the initial one.
	NotifyOnNetworkStatusChange bool

	// StopOnError makes an error delivery terminal: later completions
	// are suppressed until ResetQueryStoreErrors clears the error.
	StopOnError bool
}

// ChangeOptions is the patch accepted by SetOptions and Reobserve. Nil
// or zero fields leave the current value unchanged.
type ChangeOptions struct {
	Variables                   map[string]any
	FetchPolicy                 FetchPolicy
	ErrorPolicy                 ErrorPolicy
	PollInterval                *time.Duration
	ReturnPartialData           *bool
	NotifyOnNetworkStatusChange *bool
}

// merge produces the options resulting from applying patch to o.
// Variables replace rather than merge; everything else is field-wise.
func (o WatchOptions) merge(patch ChangeOptions) WatchOptions {
	out := o
	if patch.Variables != nil {
		out.Variables = patch.Variables
	}
	if patch.FetchPolicy != "" {
		out.FetchPolicy = patch.FetchPolicy
	}
	if patch.ErrorPolicy != "" {
		out.ErrorPolicy = patch.ErrorPolicy
	}
	if patch.PollInterval != nil {
		out.PollInterval = *patch.PollInterval
	}
	if patch.ReturnPartialData != nil {
		out.ReturnPartialData = *patch.ReturnPartialData
	}
	if patch.NotifyOnNetworkStatusChange != nil {
		out.NotifyOnNetworkStatusChange = *patch.NotifyOnNetworkStatusChange
	}
	return out
}

// QueryOptions configures a one-shot Query call.
type QueryOptions struct {
	Query         string
	Document      *language.QueryDocument
	OperationName string
	Variables     map[string]any
	FetchPolicy   FetchPolicy
	ErrorPolicy   ErrorPolicy
}

// UpdateQueryFunc merges a mutation (or fetchMore) result into the
// previously cached data of a watched query, returning the new data.
type UpdateQueryFunc func(previous map[string]any, incoming map[string]any, variables map[string]any) map[string]any

// MutateOptions configures a Mutate call.
type MutateOptions struct {
	Mutation      string
	Document      *language.QueryDocument
	OperationName string
	Variables     map[string]any

	// OptimisticResponse, when set, is applied to the cache as a
	// rollback-able overlay before the network completes.
	OptimisticResponse map[string]any

	// UpdateQueries maps watched-query operation names to merge
	// functions run against the mutation result (optimistically first
	// when OptimisticResponse is set, then authoritatively).
	UpdateQueries map[string]UpdateQueryFunc

	ErrorPolicy ErrorPolicy
}

// FetchMoreOptions configures an ObservableQuery.FetchMore call.
type FetchMoreOptions struct {
	// Variables are merged over the observation's current variables for
	// the pagination request only.
	Variables map[string]any

	// UpdateQuery combines the previously delivered data with the
	// pagination result. When nil the incoming data replaces the cached
	// data.
	UpdateQuery UpdateQueryFunc
}
