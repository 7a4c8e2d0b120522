package emit

import (
	"strings"

	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

// DeltaTracker computes trailing content deltas from cumulative snapshots.
// A snapshot only yields a delta when it is a true extension of what has
// already been emitted; bytes are never retracted or reordered.
type DeltaTracker struct {
	emitted string
}

// Next returns the unseen suffix of latest. When latest does not extend the
// emitted prefix, it returns "" and false and emits nothing.
func (t *DeltaTracker) Next(latest string) (string, bool) {
	if latest == "" || !strings.HasPrefix(latest, t.emitted) {
		return "", false
	}
	delta := latest[len(t.emitted):]
	if delta == "" {
		return "", false
	}
	t.emitted = latest
	return delta, true
}

// Emitted returns everything emitted so far.
func (t *DeltaTracker) Emitted() string {
	return t.emitted
}

// Trailing returns the suffix of final not yet emitted, for the final flush
// before the done events. A final text that does not extend the emitted
// prefix yields nothing.
func (t *DeltaTracker) Trailing(final string) string {
	delta, ok := t.Next(final)
	if !ok {
		return ""
	}
	return delta
}

// SnapshotDeltaText extracts the latest assistant text from a cumulative
// conversation snapshot for delta computation: messages whose text equals the
// prompt are ignored outright, the last other non-empty text wins. A snapshot
// holding only the echoed prompt yields "" so no delta is ever emitted for it.
func SnapshotDeltaText(snapshot map[string]any, prompt string) string {
	other, _ := snapshotTexts(snapshot, prompt)
	return other
}

// SnapshotFinalText is the buffered-path extractor: like SnapshotDeltaText
// but falling back to the last non-empty text of any message.
func SnapshotFinalText(snapshot map[string]any, prompt string) string {
	other, any := snapshotTexts(snapshot, prompt)
	if other != "" {
		return other
	}
	return any
}

func snapshotTexts(snapshot map[string]any, prompt string) (lastOther, lastAny string) {
	messages, ok := jsonx.ArrAt(snapshot, "messages")
	if !ok {
		return "", ""
	}
	for _, raw := range messages {
		m, ok := jsonx.Obj(raw)
		if !ok {
			continue
		}
		text := FirstMessageText(m)
		if text == "" {
			continue
		}
		lastAny = text
		if text != prompt {
			lastOther = text
		}
	}
	return lastOther, lastAny
}

// FirstMessageText returns the first of text, hiddenText, spokenText.
func FirstMessageText(m map[string]any) string {
	for _, key := range []string{"text", "hiddenText", "spokenText"} {
		if s := jsonx.Str(m, key); s != "" {
			return s
		}
	}
	return ""
}
