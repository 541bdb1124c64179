package domain

import (
	"fmt"
	"strings"
)

// DisplayIdentity formats a platform user for operator-facing text with a
// fixed precedence: full name, then handle, then raw id.
type DisplayIdentity struct {
	UserID   int64
	FullName string
	Handle   string
}

// DisplayName returns the best available short label.
func (d DisplayIdentity) DisplayName() string {
	if name := strings.TrimSpace(d.FullName); name != "" {
		return name
	}
	if handle := strings.TrimSpace(d.Handle); handle != "" {
		return "@" + strings.TrimPrefix(handle, "@")
	}
	return fmt.Sprintf("id:%d", d.UserID)
}

// HeaderLine returns the full operator header: every known part joined.
func (d DisplayIdentity) HeaderLine() string {
	parts := make([]string, 0, 3)
	if name := strings.TrimSpace(d.FullName); name != "" {
		parts = append(parts, name)
	}
	if handle := strings.TrimSpace(d.Handle); handle != "" {
		parts = append(parts, "@"+strings.TrimPrefix(handle, "@"))
	}
	parts = append(parts, fmt.Sprintf("id:%d", d.UserID))
	return strings.Join(parts, " | ")
}
