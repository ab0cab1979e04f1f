package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGVideoBot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByTgID(ctx context.Context, tgUserID int64) (*models.User, error) {
	const query = `
SELECT id, tg_user_id, COALESCE(username, ''), balance_tokens, is_banned, created_at, updated_at
FROM users WHERE tg_user_id = ?`
	row := r.db.QueryRowContext(ctx, query, tgUserID)
	var u models.User
	var banned int
	if err := row.Scan(&u.ID, &u.TgUserID, &u.Username, &u.Balance, &banned, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.IsBanned = banned != 0
	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	const query = `
SELECT id, tg_user_id, COALESCE(username, ''), balance_tokens, is_banned, created_at, updated_at
FROM users WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var u models.User
	var banned int
	if err := row.Scan(&u.ID, &u.TgUserID, &u.Username, &u.Balance, &banned, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	u.IsBanned = banned != 0
	return &u, nil
}

// Ensure creates the user with the signup grant if missing and returns the
// current row. The second return value reports whether a new row was created.
func (r *UserRepository) Ensure(ctx context.Context, tgUserID int64, username string, freeTokens decimal.Decimal) (*models.User, bool, error) {
	user, err := r.FindByTgID(ctx, tgUserID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		return user, false, nil
	}

	const query = `
INSERT INTO users (tg_user_id, username, balance_tokens)
VALUES (?, NULLIF(?, ''), ?)`
	if _, err := r.db.ExecContext(ctx, query, tgUserID, username, freeTokens); err != nil {
		// Lost a race with a concurrent insert; re-read.
		if existing, ferr := r.FindByTgID(ctx, tgUserID); ferr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	created, err := r.FindByTgID(ctx, tgUserID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Reserve atomically deducts amount from the user's balance. Returns false
// when the balance is insufficient; the row is left untouched in that case.
func (r *UserRepository) Reserve(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	const query = `
UPDATE users SET balance_tokens = balance_tokens - ?, updated_at = NOW()
WHERE id = ? AND balance_tokens >= ?`
	res, err := r.db.ExecContext(ctx, query, amount, userID, amount)
	if err != nil {
		return false, fmt.Errorf("reserve tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve rows affected: %w", err)
	}
	return affected > 0, nil
}

// Add credits amount to the user's balance.
func (r *UserRepository) Add(ctx context.Context, userID int64, amount decimal.Decimal) error {
	const query = `UPDATE users SET balance_tokens = balance_tokens + ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, amount, userID); err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

func (r *UserRepository) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	const query = `SELECT balance_tokens FROM users WHERE id = ?`
	var balance decimal.Decimal
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (r *UserRepository) SetBanned(ctx context.Context, userID int64, banned bool) error {
	value := 0
	if banned {
		value = 1
	}
	const query = `UPDATE users SET is_banned = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, value, userID); err != nil {
		return fmt.Errorf("set banned: %w", err)
	}
	return nil
}

func (r *UserRepository) ListTgUserIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT tg_user_id FROM users WHERE is_banned = 0`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tg user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tg user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *UserRepository) List(ctx context.Context) ([]models.User, error) {
	const query = `
SELECT id, tg_user_id, COALESCE(username, ''), balance_tokens, is_banned, created_at, updated_at
FROM users ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var banned int
		if err := rows.Scan(&u.ID, &u.TgUserID, &u.Username, &u.Balance, &banned, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user list: %w", err)
		}
		u.IsBanned = banned != 0
		users = append(users, u)
	}
	return users, rows.Err()
}
