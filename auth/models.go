package auth

import "time"

type Role string

const (
	RoleContractor Role = "contractor"
	RoleClient     Role = "client"
	RoleAdmin      Role = "admin"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is the server-side state a login creates. Only the ID travels in
// the cookie; revoking the session invalidates every token carrying it.
type Session struct {
	ID        string
	UserID    string
	Role      Role
	CreatedAt time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
