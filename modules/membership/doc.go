// Package membership implements the subscription and trial lifecycle
// for recurring academy memberships.
//
// A subscription walks a fixed state machine (trial, trial_expired,
// pending, active, past_due, paused, cancelled) driven by three inputs:
// attendance registrations, member-initiated management calls, and
// asynchronous payment-gateway notifications. Trials expire on a hybrid
// policy, whichever comes first of a free-class quota or a calendar
// window, and expiry is evaluated lazily on the attendance path rather
// than by a background job.
//
// All state changes go through pure transition functions guarded by an
// optimistic version check in the store, so concurrent writers and
// duplicated or reordered webhook deliveries converge instead of
// corrupting a record. Payments are deduplicated in an append-only
// ledger keyed by the gateway's payment id.
//
// Persistence is MongoDB, the payment gateway is MercadoPago
// preapprovals, and in-memory implementations of every port are
// provided for tests.
package membership
