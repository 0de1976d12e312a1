package model

import "time"

type Task struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Title               string    `json:"title"`
	TitleEnriched       *string   `json:"title_enriched"`
	DescriptionEnriched *string   `json:"description_enriched"`
	IsCompleted         bool      `json:"is_completed"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Enriched reports whether the enrichment pipeline has produced anything for the task.
func (t Task) Enriched() bool {
	return (t.TitleEnriched != nil && *t.TitleEnriched != "") ||
		(t.DescriptionEnriched != nil && *t.DescriptionEnriched != "")
}

// Newer reports whether t sorts before o in display order: created_at
// descending, ties broken by id so the order is total.
func (t Task) Newer(o Task) bool {
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.After(o.CreatedAt)
	}
	return t.ID > o.ID
}

// TaskPatch is the body of PUT /tasks/{id}; nil fields are left untouched.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	IsCompleted *bool   `json:"is_completed,omitempty"`
}

type CreateTaskRequest struct {
	Title string `json:"title"`
}

type BotTaskRequest struct {
	Title      string `json:"title"`
	TelegramID string `json:"telegram_id"`
}

type EnrichmentCallback struct {
	TaskID              string `json:"task_id"`
	UserID              string `json:"user_id"`
	TitleEnriched       string `json:"title_enriched"`
	DescriptionEnriched string `json:"description_enriched"`
}

type DeleteResponse struct {
	Success bool `json:"success"`
}
