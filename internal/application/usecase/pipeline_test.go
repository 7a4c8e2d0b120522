package usecase

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/domain/oai"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/infrastructure/debuglog"
	"github.com/m365proxy/m365proxy/internal/infrastructure/store"
	"github.com/m365proxy/m365proxy/internal/infrastructure/transport"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
)

// fakeTransport scripts CreateConversation and Chat for pipeline tests.
type fakeTransport struct {
	name      string
	createIDs []string
	created   int
	chats     int
	chat      func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error)
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) CreateConversation(ctx context.Context, authHeader string) (string, error) {
	id := f.createIDs[f.created]
	f.created++
	return id, nil
}

func (f *fakeTransport) Chat(ctx context.Context, authHeader, conversationID string, req *oai.CanonicalRequest, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
	f.chats++
	return f.chat(f.chats, conversationID, startOfSession, onUpdate)
}

type staticTokens struct{}

func (staticTokens) ResolveAuthorizationHeader(ctx context.Context, inbound string) string {
	return inbound
}

func testConfig() *config.Config {
	return &config.Config{
		Transport:                    "graph",
		DefaultModel:                 "m365-copilot",
		DefaultTimeZone:              "UTC",
		ConversationTTLMinutes:       120,
		MaxAdditionalContextMessages: 16,
	}
}

func newTestPipeline(graph, substrate transport.Client) *Pipeline {
	cfg := testConfig()
	return New(cfg, zap.NewNop(),
		store.NewConversationStore(0),
		store.NewResponseStore(0),
		staticTokens{}, nil,
		map[string]transport.Client{
			transport.NameGraph:     graph,
			transport.NameSubstrate: substrate,
		})
}

func authedHeaders() Headers {
	return Headers{Authorization: "Bearer test-token"}
}

func apiStatusCode(t *testing.T, err error) (int, apierr.Code) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr := apierr.AsAPIError(err, apierr.CodeInvalidRequest)
	return apiErr.Status, apiErr.Code
}

func TestPipelineBufferedChat(t *testing.T) {
	graph := &fakeTransport{name: transport.NameGraph, createIDs: []string{"conv-1"}}
	graph.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		if conversationID != "conv-1" || !startOfSession {
			t.Errorf("chat got conv=%q start=%v", conversationID, startOfSession)
		}
		return &transport.Result{Text: "Hello.", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(graph, &fakeTransport{name: transport.NameSubstrate})

	turn, err := p.PrepareChat(context.Background(), authedHeaders(),
		[]byte(`{"model":"m365-copilot","stream":false,"messages":[{"role":"user","content":"Hi"}]}`))
	if err != nil {
		t.Fatalf("PrepareChat: %v", err)
	}
	if !turn.CreatedConversation || turn.ConversationID != "conv-1" {
		t.Errorf("turn = created %v, conv %q", turn.CreatedConversation, turn.ConversationID)
	}

	body, err := p.RunChat(context.Background(), turn)
	if err != nil {
		t.Fatalf("RunChat: %v", err)
	}
	if len(body.Choices) != 1 {
		t.Fatalf("choices = %d", len(body.Choices))
	}
	choice := body.Choices[0]
	if choice.Message.Content == nil || *choice.Message.Content != "Hello." {
		t.Errorf("content = %v", choice.Message.Content)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish = %q", choice.FinishReason)
	}
}

func TestPipelineMissingAuthorization(t *testing.T) {
	p := newTestPipeline(&fakeTransport{name: transport.NameGraph}, &fakeTransport{name: transport.NameSubstrate})

	_, err := p.PrepareChat(context.Background(), Headers{},
		[]byte(`{"messages":[{"role":"user","content":"Hi"}]}`))
	status, code := apiStatusCode(t, err)
	if status != http.StatusUnauthorized || code != apierr.CodeMissingAuthorization {
		t.Errorf("got %d/%s", status, code)
	}
}

func TestPipelineMalformedJSON(t *testing.T) {
	p := newTestPipeline(&fakeTransport{name: transport.NameGraph}, &fakeTransport{name: transport.NameSubstrate})

	_, err := p.PrepareChat(context.Background(), authedHeaders(), []byte(`{not json`))
	status, code := apiStatusCode(t, err)
	if status != http.StatusBadRequest || code != apierr.CodeInvalidJSON {
		t.Errorf("got %d/%s", status, code)
	}
}

func TestPipelineUnsupportedTransport(t *testing.T) {
	p := newTestPipeline(&fakeTransport{name: transport.NameGraph}, &fakeTransport{name: transport.NameSubstrate})

	_, err := p.PrepareChat(context.Background(), Headers{Authorization: "Bearer x", Transport: "carrier-pigeon"},
		[]byte(`{"messages":[{"role":"user","content":"Hi"}]}`))
	status, code := apiStatusCode(t, err)
	if status != http.StatusBadRequest || code != apierr.CodeInvalidTransport {
		t.Errorf("got %d/%s", status, code)
	}
}

func TestPipelineConversationReuse(t *testing.T) {
	graph := &fakeTransport{name: transport.NameGraph, createIDs: []string{"conv-1", "conv-never"}}
	graph.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		return &transport.Result{Text: "ok", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(graph, &fakeTransport{name: transport.NameSubstrate})
	body := []byte(`{"messages":[{"role":"user","content":"Hi"}],"user":"alice"}`)

	first, err := p.PrepareChat(context.Background(), authedHeaders(), body)
	if err != nil {
		t.Fatalf("first PrepareChat: %v", err)
	}
	if _, err := p.RunChat(context.Background(), first); err != nil {
		t.Fatalf("first RunChat: %v", err)
	}

	second, err := p.PrepareChat(context.Background(), authedHeaders(), body)
	if err != nil {
		t.Fatalf("second PrepareChat: %v", err)
	}
	if second.CreatedConversation || second.ConversationID != "conv-1" {
		t.Errorf("second turn = created %v, conv %q; want cached conv-1", second.CreatedConversation, second.ConversationID)
	}
	if graph.created != 1 {
		t.Errorf("CreateConversation ran %d times, want 1", graph.created)
	}
}

func TestPipelineNewConversationHeaderSkipsCache(t *testing.T) {
	graph := &fakeTransport{name: transport.NameGraph, createIDs: []string{"conv-1", "conv-2"}}
	graph.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		return &transport.Result{Text: "ok", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(graph, &fakeTransport{name: transport.NameSubstrate})
	body := []byte(`{"messages":[{"role":"user","content":"Hi"}]}`)

	if _, err := p.PrepareChat(context.Background(), authedHeaders(), body); err != nil {
		t.Fatal(err)
	}

	h := authedHeaders()
	h.NewConversation = true
	turn, err := p.PrepareChat(context.Background(), h, body)
	if err != nil {
		t.Fatal(err)
	}
	if !turn.CreatedConversation || turn.ConversationID != "conv-2" {
		t.Errorf("turn = created %v, conv %q; want fresh conv-2", turn.CreatedConversation, turn.ConversationID)
	}
}

func TestPipelineSubstrateEmptyAssistantRetry(t *testing.T) {
	substrate := &fakeTransport{name: transport.NameSubstrate, createIDs: []string{"sub-1", "sub-2"}}
	substrate.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		if call == 1 {
			return nil, apierr.Upstream(apierr.CodeSubstrateError, http.StatusBadGateway, "substrate chat returned no assistant content")
		}
		if conversationID != "sub-2" || !startOfSession {
			t.Errorf("retry got conv=%q start=%v", conversationID, startOfSession)
		}
		return &transport.Result{Text: "ok", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(&fakeTransport{name: transport.NameGraph}, substrate)

	h := authedHeaders()
	h.Transport = "substrate"
	turn, err := p.PrepareChat(context.Background(), h,
		[]byte(`{"messages":[{"role":"user","content":"Hi"}]}`))
	if err != nil {
		t.Fatalf("PrepareChat: %v", err)
	}

	body, err := p.RunChat(context.Background(), turn)
	if err != nil {
		t.Fatalf("RunChat after retry: %v", err)
	}
	if *body.Choices[0].Message.Content != "ok" {
		t.Errorf("content = %q", *body.Choices[0].Message.Content)
	}
	if turn.ConversationID != "sub-2" || !turn.CreatedConversation {
		t.Errorf("turn = conv %q, created %v; want sub-2, true", turn.ConversationID, turn.CreatedConversation)
	}
	if substrate.chats != 2 || substrate.created != 2 {
		t.Errorf("chats = %d, creates = %d; want 2 and 2", substrate.chats, substrate.created)
	}
}

func TestPipelineStrictToolRetryOnSubstrate(t *testing.T) {
	substrate := &fakeTransport{name: transport.NameSubstrate, createIDs: []string{"sub-1"}}
	substrate.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		return &transport.Result{Text: "I would rather not call tools.", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(&fakeTransport{name: transport.NameGraph}, substrate)

	h := authedHeaders()
	h.Transport = "substrate"
	turn, err := p.PrepareChat(context.Background(), h, []byte(`{
		"messages":[{"role":"user","content":"weather in oslo"}],
		"tools":[{"type":"function","function":{"name":"get_weather"}}],
		"tool_choice":"required"
	}`))
	if err != nil {
		t.Fatalf("PrepareChat: %v", err)
	}

	_, err = p.RunChat(context.Background(), turn)
	status, code := apiStatusCode(t, err)
	if status != http.StatusBadRequest || code != apierr.CodeInvalidToolOutput {
		t.Errorf("got %d/%s, want 400/invalid_tool_output", status, code)
	}
	if substrate.chats != 2 {
		t.Errorf("chats = %d, want the strict retry to run exactly once", substrate.chats)
	}
}

func TestPipelineStrictToolNoRetryOnGraph(t *testing.T) {
	graph := &fakeTransport{name: transport.NameGraph, createIDs: []string{"conv-1"}}
	graph.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		return &transport.Result{Text: "no tools today", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(graph, &fakeTransport{name: transport.NameSubstrate})

	turn, err := p.PrepareChat(context.Background(), authedHeaders(), []byte(`{
		"messages":[{"role":"user","content":"weather"}],
		"tools":[{"type":"function","function":{"name":"get_weather"}}],
		"tool_choice":"required"
	}`))
	if err != nil {
		t.Fatalf("PrepareChat: %v", err)
	}

	_, err = p.RunChat(context.Background(), turn)
	if _, code := apiStatusCode(t, err); code != apierr.CodeInvalidToolOutput {
		t.Errorf("code = %s", code)
	}
	if graph.chats != 1 {
		t.Errorf("chats = %d, graph must not retry strict failures", graph.chats)
	}
}

func TestPipelinePreviousResponseID(t *testing.T) {
	graph := &fakeTransport{name: transport.NameGraph, createIDs: []string{"conv-never"}}
	graph.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		return &transport.Result{Text: "ok", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(graph, &fakeTransport{name: transport.NameSubstrate})
	p.responses.SetConversationLink("resp_known", "conv-linked")

	turn, err := p.PrepareResponses(context.Background(), authedHeaders(),
		[]byte(`{"input":"hi","previous_response_id":"resp_known"}`))
	if err != nil {
		t.Fatalf("PrepareResponses: %v", err)
	}
	if turn.ConversationID != "conv-linked" || turn.CreatedConversation {
		t.Errorf("turn = conv %q, created %v; want linked conversation", turn.ConversationID, turn.CreatedConversation)
	}

	_, err = p.PrepareResponses(context.Background(), authedHeaders(),
		[]byte(`{"input":"hi","previous_response_id":"resp_unknown"}`))
	status, code := apiStatusCode(t, err)
	if status != http.StatusBadRequest || code != apierr.CodeInvalidPreviousResponseID {
		t.Errorf("got %d/%s", status, code)
	}
}

func TestPipelineRunResponsesStoresBody(t *testing.T) {
	graph := &fakeTransport{name: transport.NameGraph, createIDs: []string{"conv-1"}}
	graph.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		return &transport.Result{Text: "stored answer", ConversationID: conversationID}, nil
	}
	p := newTestPipeline(graph, &fakeTransport{name: transport.NameSubstrate})

	turn, err := p.PrepareResponses(context.Background(), authedHeaders(), []byte(`{"input":"hi"}`))
	if err != nil {
		t.Fatalf("PrepareResponses: %v", err)
	}
	body, err := p.RunResponses(context.Background(), turn)
	if err != nil {
		t.Fatalf("RunResponses: %v", err)
	}

	id := body["id"].(string)
	if !strings.HasPrefix(id, "resp_") {
		t.Errorf("id = %q", id)
	}
	if body["output_text"] != "stored answer" {
		t.Errorf("output_text = %v", body["output_text"])
	}

	stored, ok := p.responses.TryGet(id)
	if !ok {
		t.Fatal("body must be retrievable after the turn")
	}
	if stored["output_text"] != "stored answer" {
		t.Errorf("stored output_text = %v", stored["output_text"])
	}
	if conv, _ := p.responses.TryGetConversationLink(id); conv != "conv-1" {
		t.Errorf("link = %q", conv)
	}
}

func TestPipelineDebugDumpCarriesRequestBody(t *testing.T) {
	graph := &fakeTransport{name: transport.NameGraph, createIDs: []string{"conv-1"}}
	graph.chat = func(call int, conversationID string, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
		return &transport.Result{Text: "dumped", ConversationID: conversationID}, nil
	}

	dir := t.TempDir()
	p := New(testConfig(), zap.NewNop(),
		store.NewConversationStore(0),
		store.NewResponseStore(0),
		staticTokens{},
		debuglog.New(dir, zap.NewNop()),
		map[string]transport.Client{transport.NameGraph: graph})

	raw := `{"messages":[{"role":"user","content":"dump me"}]}`
	turn, err := p.PrepareChat(context.Background(), authedHeaders(), []byte(raw))
	if err != nil {
		t.Fatalf("PrepareChat: %v", err)
	}
	if _, err := p.RunChat(context.Background(), turn); err != nil {
		t.Fatalf("RunChat: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dump files = %d, want 1", len(entries))
	}
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	dump := string(content)
	if !strings.Contains(dump, "## Request") || !strings.Contains(dump, `"dump me"`) {
		t.Errorf("dump is missing the request body:\n%s", dump)
	}
	if !strings.Contains(dump, "dumped") {
		t.Errorf("dump is missing the assistant text:\n%s", dump)
	}
}
