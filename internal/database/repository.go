package database

import (
	"context"
	"time"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// CONTRACTS
// ============================================================================

// CreateContract inserts a new contract
func (r *Repository) CreateContract(ctx context.Context, contract *Contract) error {
	query := `
		INSERT INTO contracts (mint, condition1, condition2)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		contract.Mint, contract.Condition1, contract.Condition2,
	).Scan(&contract.ID, &contract.CreatedAt)
	return mapError(err, "create contract")
}

// GetContract retrieves a contract by ID
func (r *Repository) GetContract(ctx context.Context, id int64) (*Contract, error) {
	query := `
		SELECT id, mint, condition1, condition2, is_completed, completion_reason, completed_at, created_at
		FROM contracts
		WHERE id = $1
	`
	contract := &Contract{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&contract.ID, &contract.Mint, &contract.Condition1, &contract.Condition2,
		&contract.IsCompleted, &contract.CompletionReason, &contract.CompletedAt, &contract.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err, "get contract")
	}
	return contract, nil
}

// ListPendingContracts retrieves all contracts not yet completed
func (r *Repository) ListPendingContracts(ctx context.Context) ([]*Contract, error) {
	query := `
		SELECT id, mint, condition1, condition2, is_completed, completion_reason, completed_at, created_at
		FROM contracts
		WHERE is_completed = FALSE
		ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, mapError(err, "list pending contracts")
	}
	defer rows.Close()

	var contracts []*Contract
	for rows.Next() {
		contract := &Contract{}
		err := rows.Scan(
			&contract.ID, &contract.Mint, &contract.Condition1, &contract.Condition2,
			&contract.IsCompleted, &contract.CompletionReason, &contract.CompletedAt, &contract.CreatedAt,
		)
		if err != nil {
			return nil, mapError(err, "list pending contracts")
		}
		contracts = append(contracts, contract)
	}
	return contracts, mapError(rows.Err(), "list pending contracts")
}

// MarkContractCompleted flips is_completed exactly once. The WHERE clause
// is the completion fence: when another writer got there first the update
// matches no rows and applied comes back false.
func (r *Repository) MarkContractCompleted(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE contracts
		SET is_completed = TRUE, completion_reason = $2, completed_at = $3
		WHERE id = $1 AND is_completed = FALSE
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, reason, at)
	if err != nil {
		return false, mapError(err, "mark contract completed")
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteContract removes a contract and its user rows
func (r *Repository) DeleteContract(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id)
	return mapError(err, "delete contract")
}

// ============================================================================
// USER CONTRACTS
// ============================================================================

// CreateUserContract inserts a signer row; a duplicate
// (contract_id, user_address) pair surfaces as Conflict.
func (r *Repository) CreateUserContract(ctx context.Context, uc *UserContract) error {
	query := `
		INSERT INTO user_contracts (contract_id, user_address, supply, status)
		VALUES ($1, $2, $3, $4)
		RETURNING signed_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		uc.ContractID, uc.UserAddress, uc.Supply, uc.Status,
	).Scan(&uc.SignedAt)
	return mapError(err, "create user contract")
}

// GetUserContract retrieves one signer row
func (r *Repository) GetUserContract(ctx context.Context, contractID int64, userAddress string) (*UserContract, error) {
	query := `
		SELECT contract_id, user_address, supply, status, signed_at
		FROM user_contracts
		WHERE contract_id = $1 AND user_address = $2
	`
	uc := &UserContract{}
	err := r.db.Pool.QueryRow(ctx, query, contractID, userAddress).Scan(
		&uc.ContractID, &uc.UserAddress, &uc.Supply, &uc.Status, &uc.SignedAt,
	)
	if err != nil {
		return nil, mapError(err, "get user contract")
	}
	return uc, nil
}

// ListUserContractsByContract retrieves all signer rows for a contract
func (r *Repository) ListUserContractsByContract(ctx context.Context, contractID int64) ([]*UserContract, error) {
	query := `
		SELECT contract_id, user_address, supply, status, signed_at
		FROM user_contracts
		WHERE contract_id = $1
		ORDER BY signed_at
	`
	rows, err := r.db.Pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, mapError(err, "list user contracts")
	}
	defer rows.Close()

	var ucs []*UserContract
	for rows.Next() {
		uc := &UserContract{}
		err := rows.Scan(&uc.ContractID, &uc.UserAddress, &uc.Supply, &uc.Status, &uc.SignedAt)
		if err != nil {
			return nil, mapError(err, "list user contracts")
		}
		ucs = append(ucs, uc)
	}
	return ucs, mapError(rows.Err(), "list user contracts")
}

// CountInProgress returns the number of signers still in progress
func (r *Repository) CountInProgress(ctx context.Context, contractID int64) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM user_contracts WHERE contract_id = $1 AND status = $2`,
		contractID, StatusInProgress,
	).Scan(&n)
	if err != nil {
		return 0, mapError(err, "count in progress")
	}
	return n, nil
}

// UpdateUserContractStatus moves one signer out of InProgress. The status
// guard keeps transitions one-way; updating an already-terminal row is a
// no-op reported through the returned bool.
func (r *Repository) UpdateUserContractStatus(ctx context.Context, contractID int64, userAddress string, status UserContractStatus) (bool, error) {
	query := `
		UPDATE user_contracts
		SET status = $3
		WHERE contract_id = $1 AND user_address = $2 AND status = $4
	`
	tag, err := r.db.Pool.Exec(ctx, query, contractID, userAddress, status, StatusInProgress)
	if err != nil {
		return false, mapError(err, "update user contract status")
	}
	return tag.RowsAffected() == 1, nil
}

// BulkUpdateStatus moves every signer currently in `from` to `to`
// and returns how many rows transitioned.
func (r *Repository) BulkUpdateStatus(ctx context.Context, contractID int64, from, to UserContractStatus) (int64, error) {
	query := `
		UPDATE user_contracts
		SET status = $3
		WHERE contract_id = $1 AND status = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, contractID, from, to)
	if err != nil {
		return 0, mapError(err, "bulk update status")
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// USERS
// ============================================================================

// GetUser retrieves a user by wallet address
func (r *Repository) GetUser(ctx context.Context, address string) (*User, error) {
	query := `
		SELECT address, score, created_at, updated_at
		FROM users
		WHERE address = $1
	`
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, query, address).Scan(
		&user.Address, &user.Score, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "get user")
	}
	return user, nil
}

// UpsertUser creates the user row when missing
func (r *Repository) UpsertUser(ctx context.Context, address string) error {
	query := `
		INSERT INTO users (address)
		VALUES ($1)
		ON CONFLICT (address) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, address)
	return mapError(err, "upsert user")
}

// UpdateUserScore adds delta to the stored raw score in a single
// statement, which keeps the read-modify-write atomic, and returns the
// new raw score.
func (r *Repository) UpdateUserScore(ctx context.Context, address string, delta float64) (float64, error) {
	query := `
		UPDATE users
		SET score = score + $2
		WHERE address = $1
		RETURNING score
	`
	var score float64
	err := r.db.Pool.QueryRow(ctx, query, address, delta).Scan(&score)
	if err != nil {
		return 0, mapError(err, "update user score")
	}
	return score, nil
}
