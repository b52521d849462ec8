package auth

import "time"

type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleAgent      Role = "agent"
	RoleArbitrator Role = "arbitrator"
	RoleAdmin      Role = "admin"
)

// User is the domain representation of an authenticated API user. It
// mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers. Address is the user's market
// address; every protocol call made through the API uses it as caller.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Address      string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Address  string `json:"address"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
