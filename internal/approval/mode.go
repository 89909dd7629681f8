package approval

import (
	"fmt"
	"strings"
)

// Mode selects how "approve" decisions are resolved.
type Mode string

const (
	// ModeNone resolves every "approve" decision to blocked.
	ModeNone    Mode = "none"
	ModeQueue   Mode = "queue"
	ModeWebhook Mode = "webhook"
)

// ParseMode accepts none, queue or webhook. Empty means none.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeNone, nil
	case ModeNone, ModeQueue, ModeWebhook:
		return m, nil
	}
	return "", fmt.Errorf("unknown approval mode %q (want none, queue or webhook)", s)
}
