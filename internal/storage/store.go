// Package storage is the single persistence layer over Postgres. The pool is
// constructed once in main and handed to New; no component opens its own.
package storage

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you/supportd/internal/backoff"
	"github.com/you/supportd/internal/domain"
)

type Store struct {
	db                  *pgxpool.Pool
	jobPolicy           backoff.Policy
	deliveryMaxAttempts int
}

// New builds the store. deliveryMaxAttempts is the default retry budget for
// enqueued deliveries; zero or negative falls back to the domain default.
func New(db *pgxpool.Pool, jobPolicy backoff.Policy, deliveryMaxAttempts int) *Store {
	if deliveryMaxAttempts <= 0 {
		deliveryMaxAttempts = domain.DefaultDeliveryMaxAttempts
	}
	return &Store{db: db, jobPolicy: jobPolicy, deliveryMaxAttempts: deliveryMaxAttempts}
}
