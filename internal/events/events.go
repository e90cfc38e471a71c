// Package events defines the typed payloads published by the query
// engine. Subscribers attach through the eventbus; the otel package
// turns these into spans.
package events

import "time"

// FetchStart is emitted before a network request leaves the client.
type FetchStart struct {
	OperationName string
	OperationType string
	FetchPolicy   string
	RequestKey    string
}

// FetchFinish is emitted when a network request completes.
type FetchFinish struct {
	OperationName string
	OperationType string
	FetchPolicy   string
	RequestKey    string
	Errors        []error
	Duration      time.Duration
}

// MutationStart is emitted before a mutation is sent.
type MutationStart struct {
	OperationName string
	Optimistic    bool
}

// MutationFinish is emitted when a mutation completes.
type MutationFinish struct {
	OperationName string
	Errors        []error
	Duration      time.Duration
}

// StoreNotify is emitted when a cache change is delivered to the
// observers of a query.
type StoreNotify struct {
	OperationName string
	Observers     int
	Complete      bool
}
