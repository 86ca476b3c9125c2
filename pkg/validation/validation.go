package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUserIDLength      = 64
	MaxDisplayNameLength = 80
	MaxURLLength         = 2048
)

// UserIDRegex validates user ID format
var UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateUserID validates a user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > MaxUserIDLength {
		return fmt.Errorf("user ID is too long (max %d characters)", MaxUserIDLength)
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format (only letters, numbers, '.', '_', '-' allowed)")
	}
	return nil
}

// ValidateCallID checks that id is a canonical UUID.
func ValidateCallID(callID string) error {
	if callID == "" {
		return fmt.Errorf("call ID is required")
	}
	parsed, err := uuid.Parse(callID)
	if err != nil || parsed.String() != strings.ToLower(callID) {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

// ValidateDisplayName validates a contact display name
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 1, MaxDisplayNameLength, "display name")
}

// ValidateAvatarURL validates an optional http(s) avatar URL.
func ValidateAvatarURL(urlStr string) error {
	if urlStr == "" {
		return nil
	}
	if len(urlStr) > MaxURLLength {
		return fmt.Errorf("avatar URL is too long (max %d characters)", MaxURLLength)
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
