package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/terminal-bench/payhub/internal/balance"
	"github.com/terminal-bench/payhub/internal/token"
)

// Store is the PostgreSQL-backed balance ledger. Amounts are stored as
// NUMERIC(20,0) since uint64 does not fit in BIGINT.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the balances table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS balances (
			seller     TEXT NOT NULL,
			token      TEXT NOT NULL,
			amount     NUMERIC(20,0) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (seller, token)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create balances table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, seller, tok token.Address) (uint64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE seller = $1 AND token = $2`,
		string(seller), string(tok),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return parseAmount(raw)
}

func (s *Store) Credit(ctx context.Context, seller, tok token.Address, amount uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, found, err := lockBalance(ctx, tx, seller, tok)
	if err != nil {
		return err
	}
	if current > math.MaxUint64-amount {
		return balance.ErrOverflow
	}
	newAmount := strconv.FormatUint(current+amount, 10)

	if found {
		_, err = tx.ExecContext(ctx,
			`UPDATE balances SET amount = $1, updated_at = $2 WHERE seller = $3 AND token = $4`,
			newAmount, time.Now(), string(seller), string(tok),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO balances (seller, token, amount, updated_at) VALUES ($1, $2, $3, $4)`,
			string(seller), string(tok), newAmount, time.Now(),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) ReadAndClear(ctx context.Context, seller, tok token.Address) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, found, err := lockBalance(ctx, tx, seller, tok)
	if err != nil {
		return 0, err
	}
	if !found || current == 0 {
		return 0, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE balances SET amount = 0, updated_at = $1 WHERE seller = $2 AND token = $3`,
		time.Now(), string(seller), string(tok),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return current, nil
}

func lockBalance(ctx context.Context, tx *sql.Tx, seller, tok token.Address) (uint64, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE seller = $1 AND token = $2 FOR UPDATE`,
		string(seller), string(tok),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to lock balance: %w", err)
	}
	amount, err := parseAmount(raw)
	return amount, true, err
}

func parseAmount(raw string) (uint64, error) {
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt balance amount %q: %w", raw, err)
	}
	return amount, nil
}
