package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/basket/taskdeck/internal/store"
)

// Signature identifies a schedule by what it does, not what it is
// called: agent, trigger, and normalized prompt. Two schedules with the
// same signature are the same schedule, and creation merges them.
func Signature(agentID string, schedType store.ScheduleType, triggerValue, taskPrompt string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", agentID, schedType, triggerValue, normalizePrompt(taskPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizePrompt lowercases and collapses whitespace so cosmetic edits
// do not mint a new schedule identity.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}
