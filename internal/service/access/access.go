// Package access validates the caller-supplied user against the allow-list.
package access

import (
	"errors"
	"strings"
)

var (
	// ErrUserRequired reports a request without a user.
	ErrUserRequired = errors.New("user is required")
	// ErrUnknownUser reports a user outside the allow-list.
	ErrUnknownUser = errors.New("unknown user")
)

// Allowlist is the fixed set of users permitted to manage links.
type Allowlist struct {
	users map[string]struct{}
}

// NewAllowlist builds an allow-list from user names. Blank names are ignored.
func NewAllowlist(users []string) Allowlist {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" {
			set[u] = struct{}{}
		}
	}
	return Allowlist{users: set}
}

// Check returns the normalised user or an error describing why it is refused.
func (a Allowlist) Check(user string) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", ErrUserRequired
	}
	if _, ok := a.users[user]; !ok {
		return "", ErrUnknownUser
	}
	return user, nil
}
