package gitlab

import (
	"context"
	"fmt"
	"net/http"
)

// UserRef is the short user representation embedded in other resources.
type UserRef struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// User is a GitLab user account.
type User struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PublicEmail string `json:"public_email"`
	State       string `json:"state"`
	// IsAdmin is only reported to administrators, for other users it is
	// always false.
	IsAdmin bool `json:"is_admin"`
}

// EmailAddress returns the primary email address if it is visible and the
// public one otherwise.
func (u *User) EmailAddress() string {
	if u.Email != "" {
		return u.Email
	}

	return u.PublicEmail
}

// Myself returns the user the client authenticates as.
func (c *Client) Myself(ctx context.Context) (*User, error) {
	var u User

	if _, err := c.Call(ctx, GET("user", nil), &u); err != nil {
		return nil, err
	}

	return &u, nil
}

// User returns the user with the given id.
func (c *Client) User(ctx context.Context, id int) (*User, error) {
	var u User

	if _, err := c.Call(ctx, GET(fmt.Sprintf("users/%d", id), nil), &u); err != nil {
		return nil, err
	}

	return &u, nil
}

// UserByUsername returns the user with the given username.
func (c *Client) UserByUsername(ctx context.Context, username string) (*User, error) {
	var users []*User

	cmd := GET("users", map[string]any{"username": username})
	if _, err := c.Call(ctx, cmd, &users); err != nil {
		return nil, err
	}

	if len(users) == 0 {
		return nil, &APIError{
			Kind:       KindNotFound,
			StatusCode: http.StatusNotFound,
			Method:     cmd.Method,
			Endpoint:   cmd.Endpoint,
			Message:    fmt.Sprintf("user %q not found", username),
		}
	}

	return users[0], nil
}
