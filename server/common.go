package server

import "errors"

// Store errors. Their text is what clients see in ERROR replies.
var (
	ErrEmptyUsername     = errors.New("no username provided")
	ErrDuplicateUsername = errors.New("user already exists")
	ErrUnknownUsername   = errors.New("user does not exist")
	ErrUnknownRecipient  = errors.New("recipient does not exist")
)

// Replica errors.
var (
	ErrReplicaUnreachable = errors.New("replica unreachable")
	ErrSyncTimeout        = errors.New("timed out waiting for database sync")
	ErrElectionTimeout    = errors.New("timed out waiting for replicas to identify")
	ErrShutdown           = errors.New("server is shutting down")
)

// internalErrorText replaces any error the store did not choose to surface.
const internalErrorText = "internal server error"

func isClientError(err error) bool {
	return errors.Is(err, ErrEmptyUsername) ||
		errors.Is(err, ErrDuplicateUsername) ||
		errors.Is(err, ErrUnknownUsername) ||
		errors.Is(err, ErrUnknownRecipient) ||
		errors.Is(err, ErrShutdown)
}
