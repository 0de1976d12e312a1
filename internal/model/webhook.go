package model

// EnrichmentRequest is posted to the enrichment workflow after a task is created.
type EnrichmentRequest struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	UserID string `json:"user_id"`
	Source string `json:"source,omitempty"`
}

const ActionEnrichmentCompleted = "task_enrichment_completed"

// BotNotification asks the bot workflow to message a linked account.
type BotNotification struct {
	TelegramID          string  `json:"telegram_id"`
	Email               string  `json:"email,omitempty"`
	Action              string  `json:"action"`
	TaskID              string  `json:"task_id"`
	TaskTitle           string  `json:"task_title"`
	TitleEnriched       *string `json:"title_enriched"`
	DescriptionEnriched *string `json:"description_enriched"`
	Message             string  `json:"telegram_message"`
}

type EnrichmentResult struct {
	Success             bool    `json:"success"`
	Message             string  `json:"message"`
	TaskID              string  `json:"task_id"`
	TitleEnriched       *string `json:"title_enriched"`
	DescriptionEnriched *string `json:"description_enriched"`
}
