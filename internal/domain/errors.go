package domain

import "errors"

var (
	// ErrNoJob means no eligible row was claimable right now.
	ErrNoJob = errors.New("no job available")

	// ErrNoDelivery means no due delivery was claimable right now.
	ErrNoDelivery = errors.New("no delivery available")

	// ErrUnknownJobType is returned at enqueue time for unregistered types.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrNoCredentials means the tenant has no stored marketplace credentials.
	ErrNoCredentials = errors.New("no credentials for tenant")

	// ErrNoTarget is the permanent delivery failure for a message with no
	// usable destination. It is never retried.
	ErrNoTarget = errors.New("no valid delivery target")

	// ErrRateLimited is the distinguished rate-limit condition from the
	// marketplace API; callers back off instead of burning retry budget.
	ErrRateLimited = errors.New("rate limited by marketplace")
)
