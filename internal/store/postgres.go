package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, account_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, account_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.AccountID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL`, id, accountID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Accounts & credits ---

func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, credits, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.Name, account.Credits, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID uuid.UUID) (int, error) {
	var credits int
	err := s.pool.QueryRow(ctx, `SELECT credits FROM accounts WHERE id = $1`, accountID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return credits, nil
}

func (s *PostgresStore) Debit(ctx context.Context, accountID uuid.UUID, amount int, jobID uuid.UUID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The ledger row goes first so a redelivered reservation fails before touching the balance.
		_, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions (id, account_id, amount, transaction_type, reference_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())`,
			uuid.New(), accountID, -amount, models.TransactionReservation, jobID)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert reservation: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET credits = credits - $2, updated_at = NOW() WHERE id = $1 AND credits >= $2`,
			accountID, amount)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientFunds
		}

		_, err = tx.Exec(ctx,
			`UPDATE jobs SET credits_reserved = $2, updated_at = NOW() WHERE id = $1`, jobID, amount)
		if err != nil {
			return fmt.Errorf("set credits reserved: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Credit(ctx context.Context, accountID uuid.UUID, amount int, referenceID *uuid.UUID, txType string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions (id, account_id, amount, transaction_type, reference_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())`,
			uuid.New(), accountID, amount, txType, referenceID)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert %s: %w", txType, err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET credits = credits + $2, updated_at = NOW() WHERE id = $1`, accountID, amount)
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) ListTransactions(ctx context.Context, referenceID uuid.UUID) ([]*models.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount, transaction_type, reference_id, created_at
		 FROM credit_transactions WHERE reference_id = $1 ORDER BY created_at`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.TransactionType, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

// --- Business context ---

func (s *PostgresStore) GetBusinessContext(ctx context.Context, accountID uuid.UUID) (*models.BusinessContext, error) {
	var bc models.BusinessContext
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, business_name, industry, offering, target_audience, ideal_customer, updated_at
		 FROM business_contexts WHERE account_id = $1`, accountID,
	).Scan(&bc.AccountID, &bc.BusinessName, &bc.Industry, &bc.Offering, &bc.TargetAudience,
		&bc.IdealCustomer, &bc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get business context: %w", err)
	}
	return &bc, nil
}

func (s *PostgresStore) UpsertBusinessContext(ctx context.Context, bc *models.BusinessContext) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO business_contexts (account_id, business_name, industry, offering, target_audience, ideal_customer, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (account_id) DO UPDATE SET
		   business_name = EXCLUDED.business_name,
		   industry = EXCLUDED.industry,
		   offering = EXCLUDED.offering,
		   target_audience = EXCLUDED.target_audience,
		   ideal_customer = EXCLUDED.ideal_customer,
		   updated_at = NOW()`,
		bc.AccountID, bc.BusinessName, bc.Industry, bc.Offering, bc.TargetAudience, bc.IdealCustomer)
	if err != nil {
		return fmt.Errorf("upsert business context: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, account_id, subject_id, job_type, status, credits_reserved, current_step,
	result, error_message, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.AccountID, &j.SubjectID, &j.Type, &j.Status, &j.CreditsReserved,
		&j.CurrentStep, &j.Result, &j.ErrorMessage, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a job. A second in-flight job for the same account and
// subject violates idx_jobs_active_subject and returns ErrDuplicateKey.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, account_id, subject_id, job_type, status, credits_reserved, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.AccountID, job.SubjectID, job.Type, job.Status, job.CreditsReserved, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, accountID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND account_id = $2`, id, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) FindActiveJob(ctx context.Context, accountID uuid.UUID, subjectID string, excludeID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE account_id = $1 AND subject_id = $2 AND id <> $3 AND status IN ('pending', 'processing')
		 ORDER BY created_at LIMIT 1`, accountID, subjectID, excludeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

// UpdateJobStatus moves a job to status in a single conditional UPDATE, so two
// writers racing on the same job cannot both leave a terminal state.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ResolveJobUpdate(opts...)

	allowed := AllowedFrom(status)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, allowed, status, now}
	argIdx := 5

	if models.IsTerminal(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Result != nil {
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, params.Result)
		argIdx++
	}
	if params.CurrentStep != nil {
		query += fmt.Sprintf(", current_step = $%d", argIdx)
		args = append(args, *params.CurrentStep)
		argIdx++
	}

	query += " WHERE id = $1 AND status = ANY($2)"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) SetJobStep(ctx context.Context, id uuid.UUID, step string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET current_step = $2, updated_at = NOW() WHERE id = $1`, id, step)
	if err != nil {
		return fmt.Errorf("set job step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Leads & metrics ---

func (s *PostgresStore) UpsertLead(ctx context.Context, lead *models.Lead) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leads (id, account_id, subject_id, full_name, followers, verified, last_score, last_job_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (account_id, subject_id) DO UPDATE SET
		   full_name = EXCLUDED.full_name,
		   followers = EXCLUDED.followers,
		   verified = EXCLUDED.verified,
		   last_score = EXCLUDED.last_score,
		   last_job_id = EXCLUDED.last_job_id,
		   updated_at = NOW()`,
		lead.ID, lead.AccountID, lead.SubjectID, lead.FullName, lead.Followers, lead.Verified,
		lead.LastScore, lead.LastJobID)
	if err != nil {
		return fmt.Errorf("upsert lead: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordJobMetrics(ctx context.Context, m *models.JobMetrics) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_metrics (job_id, account_id, scraper_used, cache_hit, fetch_ms, generation_ms, total_ms,
		   input_tokens, output_tokens, gen_attempts, credits_charged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		 ON CONFLICT (job_id) DO UPDATE SET
		   scraper_used = EXCLUDED.scraper_used,
		   cache_hit = EXCLUDED.cache_hit,
		   fetch_ms = EXCLUDED.fetch_ms,
		   generation_ms = EXCLUDED.generation_ms,
		   total_ms = EXCLUDED.total_ms,
		   input_tokens = EXCLUDED.input_tokens,
		   output_tokens = EXCLUDED.output_tokens,
		   gen_attempts = EXCLUDED.gen_attempts,
		   credits_charged = EXCLUDED.credits_charged`,
		m.JobID, m.AccountID, m.ScraperUsed, m.CacheHit, m.FetchMs, m.GenerationMs, m.TotalMs,
		m.InputTokens, m.OutputTokens, m.GenAttempts, m.CreditsCharged)
	if err != nil {
		return fmt.Errorf("record job metrics: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
