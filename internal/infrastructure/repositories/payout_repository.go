package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/payout"
)

// retryClaimTimeout hides a claimed retry from other workers while it runs
const retryClaimTimeout = 5 * time.Minute

const payoutColumns = `internal_transaction_id, user_id, amount, currency, destination_kind,
	phone_number, country, channel, wallet_address, crypto_currency, description, notify_email,
	status, review_reason, failure_reason, funds_reserved, settlement, created_at, updated_at`

const attemptColumns = `id, internal_transaction_id, sequence, provider_id, channel, amount,
	provider_reference, outcome, provider_status, last_error, operator_action_required,
	lease_token, dispatched_at, outcome_at, updated_at`

const retryColumns = `attempt_id, internal_transaction_id, kind, attempt_count, next_retry_at,
	last_error, ambiguous, created_at, updated_at`

// payoutRow is the flattened payouts table row
type payoutRow struct {
	InternalTransactionID string          `db:"internal_transaction_id"`
	UserID                string          `db:"user_id"`
	Amount                decimal.Decimal `db:"amount"`
	Currency              string          `db:"currency"`
	DestinationKind       string          `db:"destination_kind"`
	PhoneNumber           sql.NullString  `db:"phone_number"`
	Country               sql.NullString  `db:"country"`
	Channel               string          `db:"channel"`
	WalletAddress         sql.NullString  `db:"wallet_address"`
	CryptoCurrency        sql.NullString  `db:"crypto_currency"`
	Description           string          `db:"description"`
	NotifyEmail           sql.NullString  `db:"notify_email"`
	Status                string          `db:"status"`
	ReviewReason          *string         `db:"review_reason"`
	FailureReason         *string         `db:"failure_reason"`
	FundsReserved         bool            `db:"funds_reserved"`
	Settlement            string          `db:"settlement"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toPayoutRow(p *entities.Payout) payoutRow {
	d := p.Request.Destination
	return payoutRow{
		InternalTransactionID: p.Request.InternalTransactionID,
		UserID:                p.Request.UserID,
		Amount:                p.Request.Amount,
		Currency:              p.Request.Currency,
		DestinationKind:       string(d.Kind),
		PhoneNumber:           nullable(d.PhoneNumber),
		Country:               nullable(d.Country),
		Channel:               d.Channel,
		WalletAddress:         nullable(d.WalletAddress),
		CryptoCurrency:        nullable(d.CryptoCurrency),
		Description:           p.Request.Description,
		NotifyEmail:           nullable(p.Request.NotifyEmail),
		Status:                string(p.Status),
		ReviewReason:          p.ReviewReason,
		FailureReason:         p.FailureReason,
		FundsReserved:         p.FundsReserved,
		Settlement:            string(p.Settlement),
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

func (r payoutRow) toEntity() *entities.Payout {
	return &entities.Payout{
		Request: entities.PayoutRequest{
			InternalTransactionID: r.InternalTransactionID,
			UserID:                r.UserID,
			Amount:                r.Amount,
			Currency:              r.Currency,
			Destination: entities.Destination{
				Kind:           entities.DestinationKind(r.DestinationKind),
				PhoneNumber:    r.PhoneNumber.String,
				Country:        r.Country.String,
				Channel:        r.Channel,
				WalletAddress:  r.WalletAddress.String,
				CryptoCurrency: r.CryptoCurrency.String,
			},
			Description: r.Description,
			NotifyEmail: r.NotifyEmail.String,
		},
		Status:        entities.PayoutStatus(r.Status),
		ReviewReason:  r.ReviewReason,
		FailureReason: r.FailureReason,
		FundsReserved: r.FundsReserved,
		Settlement:    entities.SettlementStatus(r.Settlement),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// PayoutRepository is the PostgreSQL payout store
type PayoutRepository struct {
	db *sqlx.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sqlx.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// InsertPayout creates the payout row
func (r *PayoutRepository) InsertPayout(ctx context.Context, p *entities.Payout) error {
	query := `
		INSERT INTO payouts (` + payoutColumns + `)
		VALUES (:internal_transaction_id, :user_id, :amount, :currency, :destination_kind,
			:phone_number, :country, :channel, :wallet_address, :crypto_currency, :description, :notify_email,
			:status, :review_reason, :failure_reason, :funds_reserved, :settlement, :created_at, :updated_at)
		ON CONFLICT (internal_transaction_id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, toPayoutRow(p))
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	if n == 0 {
		return entities.ErrDuplicatePayout
	}
	return nil
}

// GetPayout loads a payout by internal transaction id
func (r *PayoutRepository) GetPayout(ctx context.Context, id string) (*entities.Payout, error) {
	var row payoutRow
	err := r.db.GetContext(ctx, &row, `SELECT `+payoutColumns+` FROM payouts WHERE internal_transaction_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return row.toEntity(), nil
}

// ListAttempts returns a payout's attempts in dispatch order
func (r *PayoutRepository) ListAttempts(ctx context.Context, id string) ([]*entities.PayoutAttempt, error) {
	return listAttempts(ctx, r.db, id, false)
}

func listAttempts(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) ([]*entities.PayoutAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payout_attempts WHERE internal_transaction_id = $1 ORDER BY sequence`
	if lock {
		query += ` FOR UPDATE`
	}
	attempts := []*entities.PayoutAttempt{}
	if err := sqlx.SelectContext(ctx, q, &attempts, query, id); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// FindAttemptByReference resolves a provider reference to its attempt
func (r *PayoutRepository) FindAttemptByReference(ctx context.Context, providerID, reference string) (*entities.PayoutAttempt, error) {
	var a entities.PayoutAttempt
	err := r.db.GetContext(ctx, &a,
		`SELECT `+attemptColumns+` FROM payout_attempts WHERE provider_id = $1 AND provider_reference = $2`,
		providerID, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find attempt: %w", err)
	}
	return &a, nil
}

// Transition locks the payout row and applies fn's change in one transaction
func (r *PayoutRepository) Transition(ctx context.Context, id string, fn payout.TransitionFunc) (*payout.Snapshot, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row payoutRow
	err = tx.GetContext(ctx, &row, `SELECT `+payoutColumns+` FROM payouts WHERE internal_transaction_id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payout: %w", err)
	}
	attempts, err := listAttempts(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	snap := &payout.Snapshot{Payout: row.toEntity(), Attempts: attempts}
	change, err := fn(snap)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return snap, nil
	}

	if err := r.applyChange(ctx, tx, id, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	if change.Payout != nil {
		snap.Payout = change.Payout
	}
	for _, a := range change.Attempts {
		replaced := false
		for i := range snap.Attempts {
			if snap.Attempts[i].ID == a.ID {
				snap.Attempts[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			snap.Attempts = append(snap.Attempts, a)
		}
	}
	return snap, nil
}

func (r *PayoutRepository) applyChange(ctx context.Context, tx *sqlx.Tx, id string, change *payout.Change) error {
	if change.Payout != nil {
		_, err := tx.NamedExecContext(ctx, `
			UPDATE payouts SET
				status = :status,
				review_reason = :review_reason,
				failure_reason = :failure_reason,
				funds_reserved = :funds_reserved,
				settlement = :settlement,
				updated_at = :updated_at
			WHERE internal_transaction_id = :internal_transaction_id`, toPayoutRow(change.Payout))
		if err != nil {
			return fmt.Errorf("failed to update payout %s: %w", id, err)
		}
	}

	for _, a := range change.Attempts {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO payout_attempts (`+attemptColumns+`)
			VALUES (:id, :internal_transaction_id, :sequence, :provider_id, :channel, :amount,
				:provider_reference, :outcome, :provider_status, :last_error, :operator_action_required,
				:lease_token, :dispatched_at, :outcome_at, :updated_at)
			ON CONFLICT (id) DO UPDATE SET
				provider_reference = EXCLUDED.provider_reference,
				outcome = EXCLUDED.outcome,
				provider_status = EXCLUDED.provider_status,
				last_error = EXCLUDED.last_error,
				operator_action_required = EXCLUDED.operator_action_required,
				outcome_at = EXCLUDED.outcome_at,
				updated_at = EXCLUDED.updated_at`, a)
		if err != nil {
			return fmt.Errorf("failed to save attempt %s: %w", a.ID, err)
		}
	}

	if len(change.DeleteRetries) > 0 {
		query, args, err := sqlx.In(`DELETE FROM payout_retries WHERE attempt_id IN (?)`, change.DeleteRetries)
		if err != nil {
			return fmt.Errorf("failed to build retry delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete retries: %w", err)
		}
	}

	if change.SaveRetry != nil {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO payout_retries (`+retryColumns+`)
			VALUES (:attempt_id, :internal_transaction_id, :kind, :attempt_count, :next_retry_at,
				:last_error, :ambiguous, :created_at, :updated_at)
			ON CONFLICT (attempt_id) DO UPDATE SET
				kind = EXCLUDED.kind,
				attempt_count = EXCLUDED.attempt_count,
				next_retry_at = EXCLUDED.next_retry_at,
				last_error = EXCLUDED.last_error,
				ambiguous = EXCLUDED.ambiguous,
				updated_at = EXCLUDED.updated_at`, change.SaveRetry)
		if err != nil {
			return fmt.Errorf("failed to save retry: %w", err)
		}
	}

	for _, s := range change.Signals {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO payout_signals (id, internal_transaction_id, attempt_id, provider_id, source,
				provider_status, normalized_status, applied, note, raw_payload, received_at)
			VALUES (:id, :internal_transaction_id, :attempt_id, :provider_id, :source,
				:provider_status, :normalized_status, :applied, :note, :raw_payload, :received_at)`, s)
		if err != nil {
			return fmt.Errorf("failed to record signal: %w", err)
		}
	}
	return nil
}

// DueRetries claims up to limit retries whose time has come. Claimed rows are
// pushed back so concurrent workers skip them.
func (r *PayoutRepository) DueRetries(ctx context.Context, now time.Time, limit int) ([]*entities.RetryRecord, error) {
	query := `
		UPDATE payout_retries SET next_retry_at = $3
		WHERE attempt_id IN (
			SELECT attempt_id FROM payout_retries
			WHERE next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + retryColumns

	records := []*entities.RetryRecord{}
	if err := r.db.SelectContext(ctx, &records, query, now, limit, now.Add(retryClaimTimeout)); err != nil {
		return nil, fmt.Errorf("failed to claim due retries: %w", err)
	}
	return records, nil
}

// DeleteRetry drops the retry record of an attempt
func (r *PayoutRepository) DeleteRetry(ctx context.Context, attemptID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM payout_retries WHERE attempt_id = $1`, attemptID); err != nil {
		return fmt.Errorf("failed to delete retry: %w", err)
	}
	return nil
}

// RecordUnmatched stores an uncorrelated provider payload for review
func (r *PayoutRepository) RecordUnmatched(ctx context.Context, s *entities.UnmatchedSignal) error {
	query := `
		INSERT INTO unmatched_signals (id, provider_id, provider_reference, reason, raw_payload, received_at)
		VALUES (:id, :provider_id, :provider_reference, :reason, :raw_payload, :received_at)`
	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		return fmt.Errorf("failed to record unmatched signal: %w", err)
	}
	return nil
}

// ListUnmatched returns unresolved uncorrelated signals, oldest first
func (r *PayoutRepository) ListUnmatched(ctx context.Context, limit int) ([]*entities.UnmatchedSignal, error) {
	signals := []*entities.UnmatchedSignal{}
	err := r.db.SelectContext(ctx, &signals, `
		SELECT id, provider_id, provider_reference, reason, raw_payload, received_at
		FROM unmatched_signals
		WHERE resolved_at IS NULL
		ORDER BY received_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched signals: %w", err)
	}
	return signals, nil
}

// ListSignals returns the signal audit log of a payout
func (r *PayoutRepository) ListSignals(ctx context.Context, id string) ([]*entities.PayoutSignal, error) {
	signals := []*entities.PayoutSignal{}
	err := r.db.SelectContext(ctx, &signals, `
		SELECT id, internal_transaction_id, attempt_id, provider_id, source, provider_status,
			normalized_status, applied, note, raw_payload, received_at
		FROM payout_signals
		WHERE internal_transaction_id = $1
		ORDER BY received_at`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	return signals, nil
}

// AwaitingProvider returns open attempts idle since olderThan with no retry scheduled
func (r *PayoutRepository) AwaitingProvider(ctx context.Context, olderThan time.Time, limit int) ([]*entities.PayoutAttempt, error) {
	query := `
		SELECT a.id, a.internal_transaction_id, a.sequence, a.provider_id, a.channel, a.amount,
			a.provider_reference, a.outcome, a.provider_status, a.last_error, a.operator_action_required,
			a.lease_token, a.dispatched_at, a.outcome_at, a.updated_at
		FROM payout_attempts a
		JOIN payouts p ON p.internal_transaction_id = a.internal_transaction_id
		LEFT JOIN payout_retries r ON r.attempt_id = a.id
		WHERE p.status IN ('dispatching', 'provider_pending', 'provider_processing')
			AND a.outcome IN ('in_flight', 'pending', 'processing')
			AND a.updated_at < $1
			AND r.attempt_id IS NULL
		ORDER BY a.updated_at
		LIMIT $2`

	attempts := []*entities.PayoutAttempt{}
	if err := r.db.SelectContext(ctx, &attempts, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("failed to list attempts awaiting provider: %w", err)
	}
	return attempts, nil
}

// StaleCreated returns payouts accepted before olderThan that never recorded an attempt
func (r *PayoutRepository) StaleCreated(ctx context.Context, olderThan time.Time, limit int) ([]*entities.Payout, error) {
	rows := []payoutRow{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+payoutColumns+`
		FROM payouts p
		WHERE p.status = 'created'
			AND p.updated_at < $1
			AND NOT EXISTS (
				SELECT 1 FROM payout_attempts a
				WHERE a.internal_transaction_id = p.internal_transaction_id)
		ORDER BY p.updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payouts: %w", err)
	}
	payouts := make([]*entities.Payout, len(rows))
	for i, row := range rows {
		payouts[i] = row.toEntity()
	}
	return payouts, nil
}

// PendingSettlements returns terminal payouts whose ledger call is outstanding
func (r *PayoutRepository) PendingSettlements(ctx context.Context, limit int) ([]*entities.Payout, error) {
	rows := []payoutRow{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE settlement IN ('pending_settle', 'pending_release')
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlements: %w", err)
	}
	payouts := make([]*entities.Payout, len(rows))
	for i, row := range rows {
		payouts[i] = row.toEntity()
	}
	return payouts, nil
}

// MarkSettlementDone records that the ledger call succeeded
func (r *PayoutRepository) MarkSettlementDone(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payouts SET settlement = 'done', updated_at = NOW()
		WHERE internal_transaction_id = $1 AND settlement IN ('pending_settle', 'pending_release')`, id)
	if err != nil {
		return fmt.Errorf("failed to mark settlement done: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (r *PayoutRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
