package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/m365proxy/m365proxy/internal/domain/assistant"
	"github.com/m365proxy/m365proxy/internal/domain/emit"
	"github.com/m365proxy/m365proxy/internal/infrastructure/transport"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
)

// HeaderSetter sets a response header; it must be called before the first
// streamed byte.
type HeaderSetter func(name, value string)

func (p *Pipeline) setTurnHeaders(t *Turn, setHeader HeaderSetter) {
	setHeader("x-m365-transport", t.Transport)
	setHeader("x-m365-conversation-id", t.ConversationID)
	if t.CreatedConversation {
		setHeader("x-m365-conversation-created", "true")
	}
}

// SetTurnHeaders exposes the x-m365-* header set for the buffered paths.
func (p *Pipeline) SetTurnHeaders(t *Turn, setHeader HeaderSetter) {
	p.setTurnHeaders(t, setHeader)
}

// ChatStream emits a streamed chat completion. Requests that require the full
// assistant text run buffered and replay as the three-chunk sequence; pure
// text turns stream deltas live. An error return means nothing was written
// and the caller should render a JSON error; mid-stream failures are written
// as an SSE error event in here.
func (p *Pipeline) ChatStream(ctx context.Context, t *Turn, w *emit.SSEWriter, setHeader HeaderSetter) error {
	id := emit.NewCompletionID()
	created := time.Now().Unix()
	model := t.Canonical.Model

	if t.Buffered() {
		resp, err := p.runAssistant(ctx, t)
		if err != nil {
			return err
		}
		p.setTurnHeaders(t, setHeader)
		if err := w.Data(emit.RoleChunk(id, created, model)); err != nil {
			return nil
		}
		if len(resp.ToolCalls) > 0 {
			w.Data(emit.ToolCallsChunk(id, created, model, resp.ToolCalls))
			w.Data(emit.FinishChunk(id, created, model, assistant.FinishToolCalls))
		} else {
			if resp.Content != nil && *resp.Content != "" {
				w.Data(emit.ContentChunk(id, created, model, *resp.Content))
			}
			w.Data(emit.FinishChunk(id, created, model, assistant.FinishStop))
		}
		return w.Done()
	}

	var emitted strings.Builder
	opened := false
	open := func() {
		if opened {
			return
		}
		opened = true
		p.setTurnHeaders(t, setHeader)
		w.Data(emit.RoleChunk(id, created, model))
	}

	result, err := p.executeTurn(ctx, t, func(u transport.StreamUpdate) {
		if u.ConversationID != "" {
			t.ConversationID = u.ConversationID
		}
		if u.DeltaText == "" {
			return
		}
		open()
		emitted.WriteString(u.DeltaText)
		w.Data(emit.ContentChunk(id, created, model, u.DeltaText))
	})
	if err != nil {
		p.logTurn(t, emitted.String(), err)
		if !opened {
			return err
		}
		w.Error(apierr.AsAPIError(err, apierr.CodeResponseStreamError).Body())
		return nil
	}

	open()
	if trailing := trailingDelta(emitted.String(), result.Text); trailing != "" {
		w.Data(emit.ContentChunk(id, created, model, trailing))
	}
	w.Data(emit.FinishChunk(id, created, model, assistant.FinishStop))
	p.logTurn(t, result.Text, nil)
	return w.Done()
}

// ResponsesStream emits the Responses event sequence for a streamed request.
// The completed body is stored exactly as a buffered run would store it.
func (p *Pipeline) ResponsesStream(ctx context.Context, t *Turn, w *emit.SSEWriter, setHeader HeaderSetter) error {
	id := emit.NewResponseID()
	model := t.Canonical.Model

	if t.Buffered() {
		resp, err := p.runAssistant(ctx, t)
		if err != nil {
			return err
		}
		p.setTurnHeaders(t, setHeader)
		seq := emit.NewResponsesSequencer(w, id, model)
		if err := seq.Start(); err != nil {
			return nil
		}

		if len(resp.ToolCalls) > 0 {
			items := emit.OutputItems(resp)
			body := emit.ResponseBodyFromItems(id, seq.Created(), model, t.Responses, items, t.ConversationID, p.cfg.IncludeConversationIDInResponse)
			p.responses.Set(id, body, t.ConversationID)
			seq.CompleteToolCalls(items, body)
			return w.Done()
		}

		content := ""
		if resp.Content != nil {
			content = *resp.Content
		}
		seq.AddMessageItem()
		if content != "" {
			seq.Delta(content)
		}
		items := seq.FinalMessageItems(content)
		body := emit.ResponseBodyFromItems(id, seq.Created(), model, t.Responses, items, t.ConversationID, p.cfg.IncludeConversationIDInResponse)
		p.responses.Set(id, body, t.ConversationID)
		seq.CompleteText(content, body)
		return w.Done()
	}

	var (
		emitted strings.Builder
		seq     *emit.ResponsesSequencer
	)
	open := func() {
		if seq != nil {
			return
		}
		p.setTurnHeaders(t, setHeader)
		seq = emit.NewResponsesSequencer(w, id, model)
		seq.Start()
		seq.AddMessageItem()
	}

	result, err := p.executeTurn(ctx, t, func(u transport.StreamUpdate) {
		if u.ConversationID != "" {
			t.ConversationID = u.ConversationID
		}
		if u.DeltaText == "" {
			return
		}
		open()
		emitted.WriteString(u.DeltaText)
		seq.Delta(u.DeltaText)
	})
	if err != nil {
		p.logTurn(t, emitted.String(), err)
		if seq == nil {
			return err
		}
		w.Error(apierr.AsAPIError(err, apierr.CodeResponseStreamError).Body())
		return nil
	}

	open()
	final := emitted.String()
	if trailing := trailingDelta(final, result.Text); trailing != "" {
		seq.Delta(trailing)
		final = result.Text
	}
	items := seq.FinalMessageItems(final)
	body := emit.ResponseBodyFromItems(id, seq.Created(), model, t.Responses, items, t.ConversationID, p.cfg.IncludeConversationIDInResponse)
	p.responses.Set(id, body, t.ConversationID)
	seq.CompleteText(final, body)
	p.logTurn(t, final, nil)
	return w.Done()
}

// trailingDelta returns the unsent suffix of the buffered final text, or ""
// when the final text does not extend what streamed.
func trailingDelta(emitted, final string) string {
	if final == "" || !strings.HasPrefix(final, emitted) {
		return ""
	}
	return final[len(emitted):]
}
