package models

import (
	"time"
)

// User is an account known to the dev gateway.
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	AvatarURL      string    `json:"avatarUrl"`
	HashedPassword string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PublicUser is the safe representation returned via APIs.
type PublicUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func (u *User) ToPublicUser() *PublicUser {
	return &PublicUser{
		ID:        u.ID,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
	}
}

// LoginUserRequest captures login input.
type LoginUserRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	Token string      `json:"token"`
	User  *PublicUser `json:"user"`
}
