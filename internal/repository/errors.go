// Package repository defines error types that are reused across the
// stores. These sentinel values let the service layer tell contention,
// missing rows and stale state apart without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when the referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrSeatUnavailable is returned by TryHold when the seat is held by
// someone else or already sold.
var ErrSeatUnavailable = errors.New("seat unavailable")

// ErrHeldBySelf is returned by TryHold together with the caller's own
// live reservation when the seat is already held by the same user.
var ErrHeldBySelf = errors.New("seat already held by requester")

// ErrStateConflict is returned when a transition finds the row in a
// state other than the expected one. The store returns the current row
// alongside it so callers can decide whether the conflict is a replay.
var ErrStateConflict = errors.New("state conflict")

// ErrHoldElapsed is returned when a transition requires a live hold but
// the reservation's expiresAt has already passed.
var ErrHoldElapsed = errors.New("hold elapsed")

// ErrHoldNotElapsed is returned when an expiry is attempted before the
// reservation's expiresAt.
var ErrHoldNotElapsed = errors.New("hold not elapsed")

// ErrOrderNotIssued is returned when a payment confirmation references
// an order that is no longer ISSUED or belongs to another reservation.
var ErrOrderNotIssued = errors.New("payment order not issued")

// ErrEmailExists is returned when registering an email twice.
var ErrEmailExists = errors.New("email already exists")
