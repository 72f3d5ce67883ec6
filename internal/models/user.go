package models

// Portal roles used for audience fan-out.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleMember    = "member"
)

// User is the identity-provider view of a portal account.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Roles    []string `json:"roles,omitempty"`
}

// DisplayName prefers the full name, then username, then id.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	}
	return u.ID
}
