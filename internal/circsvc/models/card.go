package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

type Card struct {
	ID        int64      `json:"id"`      // Primary key
	CardID    string     `json:"card_id"` // physical token uid
	UserID    int64      `json:"user_id"`
	IsActive  bool       `json:"is_active"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
