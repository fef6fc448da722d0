package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ErrNoContent means the task bank has nothing for the requested module kind.
// Callers treat it as retryable once new content lands.
var ErrNoContent = errors.New("no_content")

// Task is one prompt from the content bank. Content holds the module-specific
// material (scenario text, reading passage, audio transcript, answer key).
type Task struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	Module    string         `gorm:"type:text;not null;index"`
	Title     string         `gorm:"type:text;not null"`
	Content   datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Task) TableName() string { return "tasks" }

type Service interface {
	GetRandomTask(ctx context.Context, module string) (*Task, error)
	GetTaskByID(ctx context.Context, id snowflake.ID) (*Task, error)
	Create(ctx context.Context, task *Task) error
}
