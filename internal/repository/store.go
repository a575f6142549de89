package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-dismissal-api/pkg/database"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

// Option configures a repository.
type Option func(*base)

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(policy database.RetryPolicy) Option {
	return func(b *base) {
		b.retry = policy.Normalize()
	}
}

type base struct {
	db    *sqlx.DB
	retry database.RetryPolicy
}

func newBase(db *sqlx.DB, opts []Option) base {
	b := base{db: db, retry: database.RetryPolicy{}.Normalize()}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	return b
}

// run retries op on transient failures and reports exhaustion as ErrTransient.
func (b base) run(ctx context.Context, op func() error) error {
	err := database.Retry(ctx, b.retry, op)
	if err != nil && database.IsTransient(err) {
		return appErrors.Wrap(err, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, appErrors.ErrTransient.Message)
	}
	return err
}

// inTx runs fn inside a transaction, retrying the whole unit on transient failures.
func (b base) inTx(ctx context.Context, label string, fn func(tx *sqlx.Tx) error) error {
	return b.run(ctx, func() (err error) {
		tx, err := b.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", label, err)
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()
		if err = fn(tx); err != nil {
			return err
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", label, err)
		}
		return nil
	})
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
