package substrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m365proxy/m365proxy/internal/domain/emit"
	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

// recordSeparator delimits hub protocol records; every outbound payload
// carries a trailing one.
const recordSeparator = 0x1E

// encodeRecord marshals v and appends the record separator.
func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal hub record: %w", err)
	}
	return append(data, recordSeparator), nil
}

// splitRecords breaks one WebSocket message into its JSON records. Empty
// segments from the trailing separator are dropped.
func splitRecords(message []byte) []map[string]any {
	var frames []map[string]any
	for _, segment := range bytes.Split(message, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(segment)) == 0 {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal(segment, &frame); err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// frameType returns the integer type field, or -1.
func frameType(frame map[string]any) int {
	if t, ok := jsonx.Int(frame, "type"); ok {
		return t
	}
	return -1
}

// isTerminal reports whether the frame ends the invocation.
func isTerminal(frame map[string]any) bool {
	switch frameType(frame) {
	case 2, 3, 7:
		return true
	}
	return false
}

// frameConversationID walks every location a conversation id can appear at.
// Later, deeper locations override earlier ones, so the deepest-last
// non-empty id wins.
func frameConversationID(frame map[string]any) string {
	id := jsonx.Str(frame, "conversationId")
	if item, ok := jsonx.ObjAt(frame, "item"); ok {
		if v := jsonx.Str(item, "conversationId"); v != "" {
			id = v
		}
	}
	args, _ := jsonx.ArrAt(frame, "arguments")
	for _, raw := range args {
		arg, ok := jsonx.Obj(raw)
		if !ok {
			continue
		}
		if v := jsonx.Str(arg, "conversationId"); v != "" {
			id = v
		}
		if item, ok := jsonx.ObjAt(arg, "item"); ok {
			if v := jsonx.Str(item, "conversationId"); v != "" {
				id = v
			}
		}
	}
	return id
}

// cursorDeltas collects writeAtCursor streaming deltas from the frame
// arguments in order.
func cursorDeltas(frame map[string]any) []string {
	args, _ := jsonx.ArrAt(frame, "arguments")
	var deltas []string
	for _, raw := range args {
		arg, ok := jsonx.Obj(raw)
		if !ok {
			continue
		}
		if delta := jsonx.Str(arg, "writeAtCursor"); delta != "" {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

// botMessageText returns the text of the latest bot chat message anywhere in
// the frame, or "".
func botMessageText(frame map[string]any) string {
	text := botTextFromMessages(frame)
	if item, ok := jsonx.ObjAt(frame, "item"); ok {
		if t := botTextFromMessages(item); t != "" {
			text = t
		}
	}
	args, _ := jsonx.ArrAt(frame, "arguments")
	for _, raw := range args {
		arg, ok := jsonx.Obj(raw)
		if !ok {
			continue
		}
		if t := botTextFromMessages(arg); t != "" {
			text = t
		}
		if item, ok := jsonx.ObjAt(arg, "item"); ok {
			if t := botTextFromMessages(item); t != "" {
				text = t
			}
		}
	}
	return text
}

func botTextFromMessages(node map[string]any) string {
	messages, ok := jsonx.ArrAt(node, "messages")
	if !ok {
		return ""
	}
	var last string
	for _, raw := range messages {
		m, ok := jsonx.Obj(raw)
		if !ok {
			continue
		}
		if jsonx.Str(m, "author") != "bot" {
			continue
		}
		switch jsonx.Str(m, "messageType") {
		case "Chat", "Disengaged":
		default:
			continue
		}
		if text := emit.FirstMessageText(m); text != "" {
			last = text
		}
	}
	return last
}

// frameError returns the upstream error text of a frame, or "".
func frameError(frame map[string]any) string {
	if msg := jsonx.Str(frame, "error"); msg != "" {
		return msg
	}
	if errObj, ok := jsonx.ObjAt(frame, "error"); ok {
		if msg := jsonx.Str(errObj, "message"); msg != "" {
			return msg
		}
		return "substrate hub reported an error"
	}
	if _, present := frame["error"]; present {
		return "substrate hub reported an error"
	}
	return ""
}

// resultRejected reports whether the frame carries a result.value outside the
// accepted set.
func resultRejected(frame map[string]any) (string, bool) {
	result, ok := jsonx.ObjAt(frame, "result")
	if !ok {
		if item, itemOK := jsonx.ObjAt(frame, "item"); itemOK {
			result, ok = jsonx.ObjAt(item, "result")
		}
	}
	if !ok {
		return "", false
	}
	value := jsonx.Str(result, "value")
	if value == "" {
		return "", false
	}
	switch strings.ToLower(value) {
	case "success", "apologyresponsereturned":
		return "", false
	}
	msg := jsonx.Str(result, "message")
	if msg == "" {
		msg = "substrate invocation ended with result " + value
	}
	return msg, true
}
