package repo

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

const userColumns = `id, email, first_name, last_name, COALESCE(telegram_id, ''), active, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.TelegramID, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (r *TaskRepo) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM todo_users WHERE id = $1`, id))
	return u, r.mapError(err)
}

func (r *TaskRepo) FindUserByTelegramID(ctx context.Context, telegramID string) (model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM todo_users WHERE telegram_id = $1`, telegramID))
	return u, r.mapError(err)
}

// SaveUser inserts or replaces the account.
func (r *TaskRepo) SaveUser(ctx context.Context, u model.User) (model.User, error) {
	saved, err := scanUser(r.pool.QueryRow(ctx, `
		INSERT INTO todo_users (id, email, first_name, last_name, telegram_id, active)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    telegram_id = EXCLUDED.telegram_id,
		    active = EXCLUDED.active,
		    updated_at = now()
		RETURNING `+userColumns,
		u.ID, u.Email, u.FirstName, u.LastName, u.TelegramID, u.Active))
	return saved, r.mapError(err)
}
