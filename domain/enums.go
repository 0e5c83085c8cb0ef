package domain

import (
	"strings"

	"github.com/bytedance/sonic"
)

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// ParsePriority accepts any casing of LOW, MEDIUM or HIGH.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(raw))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	}
	return "", Invalid("priority", "must be one of LOW, MEDIUM, HIGH")
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var raw string
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Invalid("priority", "must be a string")
	}
	parsed, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Role is a participant's access level within a project.
type Role string

const (
	RoleViewer  Role = "VIEWER"
	RoleMember  Role = "MEMBER"
	RoleManager Role = "MANAGER"
)

var roleRank = map[Role]int{
	RoleViewer:  1,
	RoleMember:  2,
	RoleManager: 3,
}

// ParseRole accepts any casing of VIEWER, MEMBER or MANAGER.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := roleRank[r]; !ok {
		return "", Invalid("role", "must be one of VIEWER, MEMBER, MANAGER")
	}
	return r, nil
}

// Allows reports whether r grants at least the access of need.
func (r Role) Allows(need Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[need]
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Invalid("role", "must be a string")
	}
	parsed, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
