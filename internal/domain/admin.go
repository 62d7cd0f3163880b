package domain

import "time"

// Admin is an operator account allowed to manage the pool.
type Admin struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
