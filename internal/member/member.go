package member

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrInvalid marks member input that fails validation.
var ErrInvalid = errors.New("invalid member")

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

// Role is the member's permission level.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ParseRole defaults empty input to RoleMember.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleMember:
		return RoleMember, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", invalid("role must be member or admin")
}

// Member is a registered lab user. ExternalID is unique and is the key
// embedded in QR payloads.
type Member struct {
	ID              string    `json:"id"`
	FirstName       string    `json:"first_name"`
	MiddleName      string    `json:"middle_name,omitempty"`
	LastName        string    `json:"last_name"`
	ExternalID      string    `json:"external_id"`
	Role            Role      `json:"role"`
	QRPayload       string    `json:"qr_payload,omitempty"`
	ProfileImageURL string    `json:"profile_image_url,omitempty"`
	BadgeURL        string    `json:"badge_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DisplayName joins the name parts that are set.
func (m Member) DisplayName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{m.FirstName, m.MiddleName, m.LastName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Update lists the fields to change; nil fields are left alone.
type Update struct {
	FirstName       *string `json:"first_name,omitempty"`
	MiddleName      *string `json:"middle_name,omitempty"`
	LastName        *string `json:"last_name,omitempty"`
	ExternalID      *string `json:"external_id,omitempty"`
	Role            *Role   `json:"role,omitempty"`
	QRPayload       *string `json:"qr_payload,omitempty"`
	ProfileImageURL *string `json:"profile_image_url,omitempty"`
	BadgeURL        *string `json:"badge_url,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.FirstName == nil && u.MiddleName == nil && u.LastName == nil &&
		u.ExternalID == nil && u.Role == nil && u.QRPayload == nil &&
		u.ProfileImageURL == nil && u.BadgeURL == nil
}

// Apply returns m with the update's fields set.
func (u Update) Apply(m Member) Member {
	if u.FirstName != nil {
		m.FirstName = *u.FirstName
	}
	if u.MiddleName != nil {
		m.MiddleName = *u.MiddleName
	}
	if u.LastName != nil {
		m.LastName = *u.LastName
	}
	if u.ExternalID != nil {
		m.ExternalID = *u.ExternalID
	}
	if u.Role != nil {
		m.Role = *u.Role
	}
	if u.QRPayload != nil {
		m.QRPayload = *u.QRPayload
	}
	if u.ProfileImageURL != nil {
		m.ProfileImageURL = *u.ProfileImageURL
	}
	if u.BadgeURL != nil {
		m.BadgeURL = *u.BadgeURL
	}
	return m
}

// ValidateExternalID rejects empty codes and codes with whitespace.
func ValidateExternalID(id string) error {
	if id == "" {
		return invalid("external id required")
	}
	if len(id) > 64 {
		return invalid("external id too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return invalid("external id must not contain whitespace")
		}
	}
	return nil
}

// Validate checks the fields required to store a member.
func (m Member) Validate() error {
	if err := ValidateExternalID(m.ExternalID); err != nil {
		return err
	}
	if strings.TrimSpace(m.FirstName) == "" || strings.TrimSpace(m.LastName) == "" {
		return invalid("first and last name required")
	}
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}
	return nil
}
