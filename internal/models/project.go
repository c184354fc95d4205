package models

import "time"

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Project scopes chats and the knowledge-base documents used for retrieval.
type Project struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecentProject is a project annotated with its chat activity.
type RecentProject struct {
	Project
	LastActivity time.Time `json:"last_activity"`
	ChatCount    int       `json:"chat_count"`
}
