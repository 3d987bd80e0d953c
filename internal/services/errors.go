// Package services holds the slot-hunting core: the diff between fetched
// and already-notified slots, and the poll loop that drives fetch, diff,
// notify and persist on a timer with classified backoff.
//
// Errors in this file are the loop's terminal conditions. Everything else
// (transient portal outages, auth expiry, delivery failures) is absorbed
// by the loop and only surfaces through logs, metrics and Status.
package services

import "errors"

var (
	// ErrRetriesExhausted is returned by Run after the configured number of
	// consecutive unknown failures. The last failure is wrapped with it.
	ErrRetriesExhausted = errors.New("too many consecutive unknown failures")

	// ErrNoFetcher is returned when a poller is built without a fetcher factory.
	ErrNoFetcher = errors.New("poller: fetcher factory is required")

	// ErrNoStore is returned when a poller is built without a seen-set store.
	ErrNoStore = errors.New("poller: seen-set store is required")
)
