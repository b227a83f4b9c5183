package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/internal/core/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	walletColumns      = `owner_id, balance, currency, version, created_at, updated_at`
	transactionColumns = `id, kind, sender_id, recipient_id, amount, currency, status, idempotency_key, created_at, updated_at`
)

// Store implements repository.Store on top of a SQL database.
type Store struct {
	queries
	db  *sqlx.DB
	log logger.Logger
}

func New(db *sqlx.DB, dialect Dialect, log logger.Logger) *Store {
	return &Store{
		queries: queries{
			q:   db,
			d:   dialect,
			now: func() time.Time { return time.Now().UTC() },
		},
		db:  db,
		log: log,
	}
}

// Migrate creates the ledger tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.Name, err)
		}
	}
	s.log.Info("Schema is up to date", logger.StringField("dialect", s.d.Name))
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	s.log.Info("Closing database connection")
	return s.db.Close()
}

// RunInTx runs fn inside a database transaction. The transaction is rolled
// back when fn fails or ctx ends before commit.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	var isCommitted bool
	tx, err := s.db.BeginTxx(ctx, s.d.TxOptions)
	if err != nil {
		s.log.Error("Error beginning transaction", logger.ErrorField("error", err))
		return fmt.Errorf("begin transaction: %w", s.d.translate(err))
	}

	defer func() {
		if err != nil && !isCommitted {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Error("Transaction rollback failed", logger.ErrorField("error", rbErr))
				err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			} else {
				s.log.Debug("Transaction rolled back", logger.ErrorField("error", err))
			}
		}
	}()

	if err = fn(ctx, &queries{q: tx, d: s.d, now: s.now}); err != nil {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("commit skipped: %w", ctxErr)
		return err
	}

	if err = tx.Commit(); err != nil {
		s.log.Error("Error committing transaction", logger.ErrorField("error", err))
		err = fmt.Errorf("commit failed: %w", s.d.translate(err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return err
	}

	isCommitted = true
	return nil
}

// queries runs every statement against either the pool or an open transaction.
type queries struct {
	q   sqlx.ExtContext
	d   Dialect
	now func() time.Time
}

func (r *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, r.q, dest, r.d.rebind(query), args...)
}

func (r *queries) GetWallet(ctx context.Context, ownerID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.get(ctx, &wallet, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = ?`, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("wallet %s: %w", ownerID, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("get wallet: %w", r.d.translate(err))
	}
	return &wallet, nil
}

func (r *queries) GetOrCreateWallet(ctx context.Context, ownerID, currency string) (*models.Wallet, error) {
	now := r.now()
	_, err := r.q.ExecContext(ctx, r.d.rebind(`
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, 0, ?, 0, ?, ?)
		ON CONFLICT (owner_id) DO NOTHING`),
		ownerID, currency, now, now)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", r.d.translate(err))
	}

	wallet, err := r.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if wallet.CurrencyCode != currency {
		return nil, fmt.Errorf("wallet %s holds %s, not %s: %w",
			ownerID, wallet.CurrencyCode, currency, repository.ErrCurrencyMismatch)
	}
	return wallet, nil
}

func (r *queries) TryDebit(ctx context.Context, ownerID string, amount, expectedVersion int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.get(ctx, &wallet, `
		UPDATE wallets
		SET balance = balance - ?, version = version + 1, updated_at = ?
		WHERE owner_id = ? AND version = ? AND balance >= ?
		RETURNING `+walletColumns,
		amount, r.now(), ownerID, expectedVersion, amount)
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("debit wallet: %w", r.d.translate(err))
	}

	// Nothing matched: find out which precondition failed.
	current, err := r.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("wallet %s at version %d, expected %d: %w",
			ownerID, current.Version, expectedVersion, repository.ErrVersionConflict)
	}
	if current.Balance < amount {
		return nil, repository.ErrInsufficientFunds
	}
	return nil, repository.ErrVersionConflict
}

func (r *queries) Credit(ctx context.Context, ownerID string, amount int64, currency string) (*models.Wallet, error) {
	now := r.now()
	var wallet models.Wallet
	err := r.get(ctx, &wallet, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE
		SET balance = wallets.balance + excluded.balance,
			version = wallets.version + 1,
			updated_at = excluded.updated_at
		WHERE wallets.currency = excluded.currency
		RETURNING `+walletColumns,
		ownerID, amount, currency, now, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credit %s in %s: %w", ownerID, currency, repository.ErrCurrencyMismatch)
		}
		return nil, fmt.Errorf("credit wallet: %w", r.d.translate(err))
	}
	return &wallet, nil
}

func (r *queries) AppendTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	rec := tx.Clone()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.UpdatedAt = rec.CreatedAt

	_, err := r.q.ExecContext(ctx, r.d.rebind(`
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Kind, rec.SenderID, rec.RecipientID, rec.Amount,
		rec.Currency, rec.Status, rec.IdempotencyKey, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", r.d.translate(err))
	}
	return rec, nil
}

func (r *queries) UpdateStatus(ctx context.Context, id uuid.UUID, next models.Status) (*models.Transaction, error) {
	var tx models.Transaction
	err := r.get(ctx, &tx, `
		UPDATE transactions
		SET status = ?, updated_at = ?
		WHERE id = ? AND kind = ? AND status = ?
		RETURNING `+transactionColumns,
		next, r.now(), id, models.KindWithdrawal, models.StatusPending)
	if err == nil {
		return &tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update transaction status: %w", r.d.translate(err))
	}

	current, err := r.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s transaction %s is %s: %w", current.Kind, id, current.Status, repository.ErrInvalidTransition)
}

func (r *queries) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var tx models.Transaction
	err := r.get(ctx, &tx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("get transaction: %w", r.d.translate(err))
	}
	return &tx, nil
}

func (r *queries) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var tx models.Transaction
	err := r.get(ctx, &tx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by key: %w", r.d.translate(err))
	}
	return &tx, nil
}

func (r *queries) ListBySender(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return r.list(ctx, "sender_id", userID, limit)
}

func (r *queries) ListByRecipient(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return r.list(ctx, "recipient_id", userID, limit)
}

// list is only called with the two fixed column names above.
func (r *queries) list(ctx context.Context, column, userID string, limit int) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + column + ` = ?
		ORDER BY created_at DESC, seq DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	txs := make([]*models.Transaction, 0)
	if err := sqlx.SelectContext(ctx, r.q, &txs, r.d.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list transactions by %s: %w", column, r.d.translate(err))
	}
	return txs, nil
}
