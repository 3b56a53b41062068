package domain

import "time"

// WaSession mirrors the last known state of a gateway session in the
// relational store. It is written best-effort on lifecycle transitions so
// operators can inspect the fleet across restarts; the in-memory registry
// remains the source of truth for the running process.
type WaSession struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	SessionId  string    `json:"session_id" gorm:"uniqueIndex"`
	Jid        string    `json:"jid"` // populated after pairing completes
	Status     string    `json:"status"`
	WebhookUrl string    `json:"webhook_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (WaSession) TableName() string {
	return "wa_session"
}

// WaWebhookLog is one webhook delivery outcome (success or permanent
// failure after retries are exhausted).
type WaWebhookLog struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	SessionId string    `json:"session_id" gorm:"index"`
	EventType string    `json:"event_type"`
	Url       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	Succeed   bool      `json:"succeed"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

func (WaWebhookLog) TableName() string {
	return "wa_webhook_log"
}
