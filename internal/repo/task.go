package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

var (
	ErrorNotFound = errors.New("not found")
	ErrorConflict = errors.New("conflict")
)

const taskColumns = `id::text, user_id, title, title_enriched, description_enriched, is_completed, created_at, updated_at`

type TaskRepo struct { // Репозиторий для работы непосредственно с БД
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{
		pool: pool,
	}
}

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.TitleEnriched, &t.DescriptionEnriched,
		&t.IsCompleted, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *TaskRepo) List(ctx context.Context, userID string, filter model.Filter) ([]model.Task, error) {
	completed, restricted := filter.Completed()
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM todo_tasks
		WHERE user_id = $1 AND (NOT $2 OR is_completed = $3)
		ORDER BY created_at DESC, id DESC
	`, userID, restricted, completed)
	if err != nil {
		return nil, r.mapError(err)
	}
	defer rows.Close()

	tasks := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepo) Get(ctx context.Context, userID, id string) (model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM todo_tasks
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	return t, r.mapError(err)
}

func (r *TaskRepo) Create(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	created, err := scanTask(r.pool.QueryRow(ctx, `
		INSERT INTO todo_tasks (id, user_id, title, is_completed)
		VALUES ($1, $2, $3, $4)
		RETURNING `+taskColumns,
		t.ID, t.UserID, t.Title, t.IsCompleted))
	return created, r.mapError(err)
}

func (r *TaskRepo) Update(ctx context.Context, userID, id string, patch model.TaskPatch) (model.Task, model.Task, error) {
	var old, updated model.Task
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		old, err = scanTask(tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM todo_tasks
			WHERE id = $1 AND user_id = $2
			FOR UPDATE
		`, id, userID))
		if err != nil {
			return err
		}

		updated, err = scanTask(tx.QueryRow(ctx, `
			UPDATE todo_tasks
			SET title = COALESCE($2, title),
			    is_completed = COALESCE($3, is_completed),
			    updated_at = now()
			WHERE id = $1
			RETURNING `+taskColumns,
			id, patch.Title, patch.IsCompleted))
		return err
	})
	return old, updated, err
}

func (r *TaskRepo) Delete(ctx context.Context, userID, id string) (model.Task, error) {
	old, err := scanTask(r.pool.QueryRow(ctx, `
		DELETE FROM todo_tasks
		WHERE id = $1 AND user_id = $2
		RETURNING `+taskColumns,
		id, userID))
	return old, r.mapError(err)
}

func (r *TaskRepo) Enrich(ctx context.Context, userID, id string, title, description *string) (model.Task, model.Task, error) {
	var old, updated model.Task
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		old, err = scanTask(tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM todo_tasks
			WHERE id = $1 AND ($2 = '' OR user_id = $2)
			FOR UPDATE
		`, id, userID))
		if err != nil {
			return err
		}

		updated, err = scanTask(tx.QueryRow(ctx, `
			UPDATE todo_tasks
			SET title_enriched = $2, description_enriched = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+taskColumns,
			id, title, description))
		return err
	})
	return old, updated, err
}

func (r *TaskRepo) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // после Commit ничего не делает

	if err := fn(tx); err != nil {
		return r.mapError(err)
	}
	return tx.Commit(ctx)
}

func (r *TaskRepo) mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrorNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrorConflict
		case "22P02": // не uuid, такой задачи быть не может
			return ErrorNotFound
		}
	}
	return err
}
