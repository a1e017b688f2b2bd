package models

// User roles known to the dashboard.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a dashboard-managed account.
type User struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	Username string `json:"username" yaml:"username"`
	Email    string `json:"email" yaml:"email"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`

	// Password is only sent on create and update. The gateway never returns it.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}
