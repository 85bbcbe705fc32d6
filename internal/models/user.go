// Package models declares the entity shapes of each resource kind: the
// stored row, the accepted create input, the partial update, and the public
// output projection.
package models

import "time"

// User is the stored shape of the users kind.
type User struct {
	ID             int64     `json:"id"`
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	Email          string    `json:"email"`
	Name           *string   `json:"name"`
	Picture        *string   `json:"picture"`
	IsActive       bool      `json:"is_active"`
	IsVerified     bool      `json:"is_verified"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserCreate is the accepted input for POST /users/.
type UserCreate struct {
	Provider       string  `json:"provider" binding:"required"`
	ProviderUserID string  `json:"provider_user_id" binding:"required"`
	Email          string  `json:"email" binding:"required,email"`
	Name           *string `json:"name"`
	Picture        *string `json:"picture"`
	IsActive       *bool   `json:"is_active"`
	IsVerified     *bool   `json:"is_verified"`
}

// UserUpdate is the partial input for PATCH /users/{id}. Only non-nil
// fields are written.
type UserUpdate struct {
	Provider       *string `json:"provider"`
	ProviderUserID *string `json:"provider_user_id"`
	Email          *string `json:"email" binding:"omitempty,email"`
	Name           *string `json:"name"`
	Picture        *string `json:"picture"`
	IsActive       *bool   `json:"is_active"`
	IsVerified     *bool   `json:"is_verified"`
}

// UserOut is the publicly visible shape broadcast and returned by the API.
type UserOut struct {
	ID             int64     `json:"id"`
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	Email          string    `json:"email"`
	Name           *string   `json:"name"`
	Picture        *string   `json:"picture"`
	IsActive       bool      `json:"is_active"`
	IsVerified     bool      `json:"is_verified"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToUserOut projects a stored user to its output shape.
func ToUserOut(u User) UserOut {
	return UserOut(u)
}
