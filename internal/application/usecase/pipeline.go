// Package usecase orchestrates one proxied request end to end: authorize,
// parse, resolve transport and conversation, execute the turn with its retry
// policies, and emit the OpenAI-shaped result.
package usecase

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/domain/assistant"
	"github.com/m365proxy/m365proxy/internal/domain/emit"
	"github.com/m365proxy/m365proxy/internal/domain/oai"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/infrastructure/debuglog"
	"github.com/m365proxy/m365proxy/internal/infrastructure/store"
	"github.com/m365proxy/m365proxy/internal/infrastructure/transport"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
)

// Headers carries the x-m365-* request headers plus authorization.
type Headers struct {
	Authorization   string
	Transport       string
	ConversationID  string
	ConversationKey string
	NewConversation bool
}

// TokenResolver supplies the upstream Authorization header value.
type TokenResolver interface {
	ResolveAuthorizationHeader(ctx context.Context, inbound string) string
}

// Pipeline is the per-request orchestrator shared by both API surfaces.
type Pipeline struct {
	cfg        *config.Config
	logger     *zap.Logger
	opts       oai.Options
	convs      *store.ConversationStore
	responses  *store.ResponseStore
	tokens     TokenResolver
	transports map[string]transport.Client
	debug      *debuglog.Logger
}

// New wires a pipeline. transports maps wire names to clients; use
// DefaultTransports outside of tests.
func New(cfg *config.Config, logger *zap.Logger, convs *store.ConversationStore, responses *store.ResponseStore, tokens TokenResolver, debug *debuglog.Logger, transports map[string]transport.Client) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		opts: oai.Options{
			DefaultModel:                 cfg.DefaultModel,
			DefaultTimeZone:              cfg.DefaultTimeZone,
			MaxAdditionalContextMessages: cfg.MaxAdditionalContextMessages,
		},
		convs:      convs,
		responses:  responses,
		tokens:     tokens,
		transports: transports,
		debug:      debug,
	}
}

// DefaultTransports builds the registered transport set.
func DefaultTransports(cfg *config.Config, logger *zap.Logger) (map[string]transport.Client, error) {
	transports := make(map[string]transport.Client, 2)
	for _, name := range []string{transport.NameGraph, transport.NameSubstrate} {
		client, err := transport.Create(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		transports[name] = client
	}
	return transports, nil
}

// Responses exposes the response store for the retrieval endpoints.
func (p *Pipeline) Responses() *store.ResponseStore {
	return p.responses
}

// DefaultModel returns the configured model name.
func (p *Pipeline) DefaultModel() string {
	return p.cfg.DefaultModel
}

// Turn is one prepared request: canonical form plus resolved transport and
// conversation.
type Turn struct {
	Endpoint            string
	Canonical           *oai.CanonicalRequest
	Responses           *oai.ResponsesRequest
	Transport           string
	ConversationID      string
	CreatedConversation bool

	auth           string
	client         transport.Client
	storeKey       string
	startOfSession bool
	rawBody        []byte
}

// Buffered reports whether the turn must run buffered even when the client
// asked to stream: tool extraction and response-format normalization need the
// full assistant text.
func (t *Turn) Buffered() bool {
	return len(t.Canonical.Tooling.Tools) > 0 || t.Canonical.ResponseFormat != nil
}

// PrepareChat authorizes, parses, and resolves a Chat Completions request.
func (p *Pipeline) PrepareChat(ctx context.Context, h Headers, raw []byte) (*Turn, error) {
	auth, body, err := p.authorizeAndDecode(ctx, h, raw)
	if err != nil {
		return nil, err
	}
	canon, err := oai.ParseChat(body, p.opts)
	if err != nil {
		return nil, err
	}
	t, err := p.resolveTurn(ctx, "chat.completions", h, auth, canon, nil)
	if err != nil {
		return nil, err
	}
	t.rawBody = raw
	return t, nil
}

// PrepareResponses authorizes, parses, and resolves a Responses API request.
func (p *Pipeline) PrepareResponses(ctx context.Context, h Headers, raw []byte) (*Turn, error) {
	auth, body, err := p.authorizeAndDecode(ctx, h, raw)
	if err != nil {
		return nil, err
	}
	rr, err := oai.ParseResponses(body, p.opts)
	if err != nil {
		return nil, err
	}
	t, err := p.resolveTurn(ctx, "responses", h, auth, rr.Canonical, rr)
	if err != nil {
		return nil, err
	}
	t.rawBody = raw
	return t, nil
}

func (p *Pipeline) authorizeAndDecode(ctx context.Context, h Headers, raw []byte) (string, map[string]any, error) {
	auth := p.tokens.ResolveAuthorizationHeader(ctx, h.Authorization)
	if auth == "" {
		return "", nil, apierr.MissingAuthorization()
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", nil, apierr.InvalidJSON(err)
	}
	return auth, body, nil
}

func (p *Pipeline) resolveTurn(ctx context.Context, endpoint string, h Headers, auth string, canon *oai.CanonicalRequest, rr *oai.ResponsesRequest) (*Turn, error) {
	name := strings.ToLower(h.Transport)
	if name == "" {
		name = canon.TransportOverride
	}
	if name == "" {
		name = p.cfg.Transport
	}
	client, ok := p.transports[name]
	if !ok {
		return nil, apierr.Newf(http.StatusBadRequest, apierr.CodeInvalidTransport, "unsupported transport %q", name)
	}

	key := h.ConversationKey
	if key == "" {
		key = canon.ConversationKey
	}
	if key == "" {
		key = canon.UserKey
	}

	t := &Turn{
		Endpoint:  endpoint,
		Canonical: canon,
		Responses: rr,
		Transport: name,
		auth:      auth,
		client:    client,
		storeKey:  store.Key(name, key),
	}

	convID := h.ConversationID
	if convID == "" {
		convID = canon.ConversationID
	}
	newConversation := h.NewConversation || canon.NewConversation

	if convID == "" && rr != nil && rr.PreviousResponseID != "" {
		linked, ok := p.responses.TryGetConversationLink(rr.PreviousResponseID)
		if !ok {
			return nil, apierr.Newf(http.StatusBadRequest, apierr.CodeInvalidPreviousResponseID,
				"unknown previous_response_id %q", rr.PreviousResponseID)
		}
		convID = linked
	}
	if convID == "" && !newConversation {
		convID, _ = p.convs.TryGet(t.storeKey)
	}
	if convID == "" {
		created, err := client.CreateConversation(ctx, auth)
		if err != nil {
			return nil, err
		}
		convID = created
		t.CreatedConversation = true
		t.startOfSession = true
		p.convs.Set(t.storeKey, convID)
	}
	t.ConversationID = convID

	return t, nil
}

// executeTurn runs the chat turn with the substrate empty-assistant retry:
// when the first turn on a freshly created substrate conversation yields no
// content, one new conversation is minted and the turn re-run once.
func (p *Pipeline) executeTurn(ctx context.Context, t *Turn, onUpdate transport.OnUpdate) (*transport.Result, error) {
	result, err := t.client.Chat(ctx, t.auth, t.ConversationID, t.Canonical, t.startOfSession, onUpdate)
	if err != nil && t.Transport == transport.NameSubstrate && t.CreatedConversation && isNoAssistantContent(err) {
		p.logger.Warn("Substrate returned no assistant content on a new conversation, recreating",
			zap.String("conversationId", t.ConversationID))
		fresh, createErr := t.client.CreateConversation(ctx, t.auth)
		if createErr != nil {
			return nil, err
		}
		t.ConversationID = fresh
		t.startOfSession = true
		p.convs.Set(t.storeKey, fresh)
		result, err = t.client.Chat(ctx, t.auth, t.ConversationID, t.Canonical, true, onUpdate)
	}
	if err != nil {
		return nil, err
	}
	if result.ConversationID != "" && result.ConversationID != t.ConversationID {
		t.ConversationID = result.ConversationID
		p.convs.Set(t.storeKey, result.ConversationID)
	}
	return result, nil
}

func isNoAssistantContent(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no assistant content")
}

// runAssistant executes a buffered turn and builds the assistant response,
// applying the strict-tool retry: when strict tool mode produced no usable
// call on substrate, the turn is re-run once before the 400 is surfaced.
func (p *Pipeline) runAssistant(ctx context.Context, t *Turn) (*assistant.Response, error) {
	result, err := p.executeTurn(ctx, t, nil)
	if err != nil {
		p.logTurn(t, "", err)
		return nil, err
	}

	resp := assistant.Build(t.Canonical, result.Text)
	if resp.StrictToolErrorMessage != "" && t.Transport == transport.NameSubstrate {
		p.logger.Warn("Strict tool mode unsatisfied, retrying turn",
			zap.String("conversationId", t.ConversationID))
		retried, retryErr := t.client.Chat(ctx, t.auth, t.ConversationID, t.Canonical, false, nil)
		if retryErr == nil {
			result = retried
			resp = assistant.Build(t.Canonical, result.Text)
		}
	}
	if resp.StrictToolErrorMessage != "" {
		err := apierr.New(http.StatusBadRequest, apierr.CodeInvalidToolOutput, resp.StrictToolErrorMessage)
		p.logTurn(t, result.Text, err)
		return nil, err
	}

	p.logTurn(t, result.Text, nil)
	return resp, nil
}

// RunChat executes a buffered chat turn and returns the completion body.
func (p *Pipeline) RunChat(ctx context.Context, t *Turn) (emit.ChatCompletion, error) {
	resp, err := p.runAssistant(ctx, t)
	if err != nil {
		return emit.ChatCompletion{}, err
	}
	return emit.NewChatCompletion(t.Canonical.Model, resp, t.ConversationID, p.cfg.IncludeConversationIDInResponse), nil
}

// RunResponses executes a buffered responses turn, stores the body, and
// returns it.
func (p *Pipeline) RunResponses(ctx context.Context, t *Turn) (map[string]any, error) {
	resp, err := p.runAssistant(ctx, t)
	if err != nil {
		return nil, err
	}
	body := emit.ResponseBody(emit.NewResponseID(), time.Now().Unix(), t.Canonical.Model, t.Responses, resp, t.ConversationID, p.cfg.IncludeConversationIDInResponse)
	p.responses.Set(body["id"].(string), body, t.ConversationID)
	return body, nil
}

func (p *Pipeline) logTurn(t *Turn, assistantText string, err error) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	p.debug.LogTurn(debuglog.Turn{
		Endpoint:       t.Endpoint,
		Transport:      t.Transport,
		ConversationID: t.ConversationID,
		RequestBody:    string(t.rawBody),
		UpstreamPrompt: t.Canonical.UpstreamPrompt(),
		AssistantText:  assistantText,
		Error:          errText,
	})
}
