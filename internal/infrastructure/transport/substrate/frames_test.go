package substrate

import (
	"bytes"
	"encoding/json"
	"testing"
)

func frame(t *testing.T, raw string) map[string]any {
	t.Helper()
	var f map[string]any
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("test frame is not valid JSON: %v", err)
	}
	return f
}

func TestEncodeRecordTerminator(t *testing.T) {
	record, err := encodeRecord(map[string]any{"type": 6})
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	if record[len(record)-1] != recordSeparator {
		t.Error("outbound records must end with the record separator")
	}
}

func TestSplitRecords(t *testing.T) {
	message := bytes.Join([][]byte{
		[]byte(`{"type":1}`),
		[]byte(`{"type":6}`),
		{}, // trailing separator
	}, []byte{recordSeparator})

	frames := splitRecords(message)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frameType(frames[0]) != 1 || frameType(frames[1]) != 6 {
		t.Errorf("types = %d, %d", frameType(frames[0]), frameType(frames[1]))
	}

	// Malformed records are skipped, not fatal.
	garbled := append([]byte(`{"type":3}`), recordSeparator)
	garbled = append(garbled, []byte("not json")...)
	garbled = append(garbled, recordSeparator)
	if got := splitRecords(garbled); len(got) != 1 {
		t.Errorf("garbled message yielded %d frames, want 1", len(got))
	}
}

func TestIsTerminal(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want bool
	}{
		{`{"type":1}`, false},
		{`{"type":2}`, true},
		{`{"type":3}`, true},
		{`{"type":6}`, false},
		{`{"type":7}`, true},
		{`{}`, false},
	} {
		if got := isTerminal(frame(t, tc.raw)); got != tc.want {
			t.Errorf("isTerminal(%s) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestFrameConversationIDPrecedence(t *testing.T) {
	f := frame(t, `{
		"conversationId": "top",
		"item": {"conversationId": "item"},
		"arguments": [
			{"conversationId": "arg", "item": {"conversationId": "arg-item"}}
		]
	}`)
	if got := frameConversationID(f); got != "arg-item" {
		t.Errorf("conversationId = %q, want the deepest-last non-empty", got)
	}

	// Empty deeper values do not mask shallower ones.
	f = frame(t, `{"conversationId": "top", "arguments": [{"conversationId": ""}]}`)
	if got := frameConversationID(f); got != "top" {
		t.Errorf("conversationId = %q, want top", got)
	}

	if got := frameConversationID(frame(t, `{}`)); got != "" {
		t.Errorf("conversationId = %q, want empty", got)
	}
}

func TestCursorDeltas(t *testing.T) {
	f := frame(t, `{"arguments": [{"writeAtCursor": "Hel"}, {"writeAtCursor": "lo"}, {"other": 1}]}`)
	deltas := cursorDeltas(f)
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestBotMessageText(t *testing.T) {
	f := frame(t, `{
		"arguments": [{
			"messages": [
				{"author": "user", "text": "hi"},
				{"author": "bot", "messageType": "Chat", "text": "partial"},
				{"author": "bot", "messageType": "InternalSearchQuery", "text": "searching"},
				{"author": "bot", "messageType": "Chat", "hiddenText": "full answer"}
			]
		}]
	}`)
	if got := botMessageText(f); got != "full answer" {
		t.Errorf("bot text = %q, want the latest bot chat message", got)
	}

	disengaged := frame(t, `{"item": {"messages": [{"author": "bot", "messageType": "Disengaged", "text": "cannot help"}]}}`)
	if got := botMessageText(disengaged); got != "cannot help" {
		t.Errorf("disengaged text = %q", got)
	}

	// Untyped bot messages are status noise, not snapshots.
	untyped := frame(t, `{"item": {"messages": [{"author": "bot", "text": "working on it"}]}}`)
	if got := botMessageText(untyped); got != "" {
		t.Errorf("untyped bot message leaked as text %q", got)
	}
}

func TestFrameError(t *testing.T) {
	if got := frameError(frame(t, `{"error": "boom"}`)); got != "boom" {
		t.Errorf("string error = %q", got)
	}
	if got := frameError(frame(t, `{"error": {"message": "deep boom"}}`)); got != "deep boom" {
		t.Errorf("object error = %q", got)
	}
	if got := frameError(frame(t, `{"error": null}`)); got == "" {
		t.Error("a present error field with no message must still fail")
	}
	if got := frameError(frame(t, `{"type": 1}`)); got != "" {
		t.Errorf("clean frame reported error %q", got)
	}
}

func TestResultRejected(t *testing.T) {
	for _, tc := range []struct {
		raw      string
		rejected bool
	}{
		{`{"item": {"result": {"value": "Success"}}}`, false},
		{`{"item": {"result": {"value": "success"}}}`, false},
		{`{"item": {"result": {"value": "ApologyResponseReturned"}}}`, false},
		{`{"item": {"result": {"value": "Throttled", "message": "slow down"}}}`, true},
		{`{"result": {"value": "InternalError"}}`, true},
		{`{"type": 3}`, false},
	} {
		if _, got := resultRejected(frame(t, tc.raw)); got != tc.rejected {
			t.Errorf("resultRejected(%s) = %v, want %v", tc.raw, got, tc.rejected)
		}
	}
}

func TestHubURLShape(t *testing.T) {
	c := &Client{}
	c.cfg.HubPath = "substrate.office.com/m365Copilot/Chathub"
	c.cfg.Source = "officeweb"
	c.cfg.QuoteSourceInQuery = true
	c.cfg.Scenario = "officeweb"

	url := c.hubURL("oid-1", "tid-1", "conv-1", "tok")
	for _, want := range []string{
		"wss://substrate.office.com/m365Copilot/Chathub/oid-1@tid-1?",
		"ClientRequestId=",
		"X-SessionId=",
		"ConversationId=conv-1",
		"access_token=tok",
		"source=%22officeweb%22",
		"scenario=officeweb",
	} {
		if !bytes.Contains([]byte(url), []byte(want)) {
			t.Errorf("url %q missing %q", url, want)
		}
	}
}
