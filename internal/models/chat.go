package models

import "time"

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Mode picks the system prompt used for a chat turn.
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeCoach     Mode = "coach"
)

// PlaceholderTitle is stored for a new chat until its title is generated.
const PlaceholderTitle = "Untitled"

// Chat groups the messages of one conversation inside a project.
type Chat struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	UserID     int64      `json:"user_id"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}
