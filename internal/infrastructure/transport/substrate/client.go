// Package substrate implements the WebSocket hub upstream: record-separated
// JSON frames over one socket per chat turn, with handshake, keep-alive,
// invocation, and frame assembly.
package substrate

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/domain/oai"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/infrastructure/transport"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
	"github.com/m365proxy/m365proxy/pkg/safego"
)

func init() {
	transport.RegisterFactory(transport.NameSubstrate, func(cfg *config.Config, logger *zap.Logger) transport.Client {
		return New(cfg, logger)
	})
}

// Client is the Substrate transport. Each chat turn opens its own socket.
type Client struct {
	cfg    config.SubstrateConfig
	logger *zap.Logger
}

// New builds a Substrate client from config.
func New(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg.Substrate,
		logger: logger.With(zap.String("transport", transport.NameSubstrate)),
	}
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Name() string { return transport.NameSubstrate }

// CreateConversation mints a local conversation id. The hub materializes the
// conversation on the first turn, which is sent with isStartOfSession set.
func (c *Client) CreateConversation(ctx context.Context, authHeader string) (string, error) {
	return uuid.NewString(), nil
}

// Chat drives one invocation through the hub protocol state machine:
// connect, handshake, ping, invoke, receive until a terminal frame, close.
func (c *Client) Chat(ctx context.Context, authHeader, conversationID string, req *oai.CanonicalRequest, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(authHeader), "Bearer"))
	oid, tid, err := tokenClaims(token)
	if err != nil {
		return nil, err
	}

	timeout := c.invocationTimeout()
	hubURL := c.hubURL(oid, tid, conversationID, token)

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	conn, _, err := dialer.DialContext(ctx, hubURL, header)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeoutErr(ctx, err) {
			status = http.StatusGatewayTimeout
		}
		return nil, apierr.Wrap(status, apierr.CodeSubstrateError, "substrate connect failed", err)
	}

	session := &hubSession{
		conn:    conn,
		timeout: timeout,
	}
	defer session.close()

	if err := session.handshake(); err != nil {
		return nil, err
	}
	if err := session.write(map[string]any{"type": 6}); err != nil {
		return nil, err
	}

	keepAliveDone := make(chan struct{})
	defer close(keepAliveDone)
	safego.Go(c.logger, "substrate-keepalive", func() {
		session.keepAlive(c.keepAliveInterval(), keepAliveDone)
	})

	if err := session.write(c.invocationFrame(req, conversationID, startOfSession)); err != nil {
		return nil, err
	}

	return session.receive(ctx, conversationID, onUpdate)
}

func (c *Client) invocationTimeout() time.Duration {
	seconds := c.cfg.InvocationTimeoutSeconds
	if seconds <= 0 {
		seconds = 120
	}
	return time.Duration(seconds) * time.Second
}

func (c *Client) keepAliveInterval() time.Duration {
	seconds := c.cfg.KeepAliveSeconds
	if seconds <= 0 {
		seconds = 15
	}
	return time.Duration(seconds) * time.Second
}

// hubURL builds the socket URL. Query parameters keep their documented order,
// so the URL is assembled by hand instead of through url.Values.
func (c *Client) hubURL(oid, tid, conversationID, token string) string {
	base := strings.TrimRight(c.cfg.HubPath, "/")
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}

	var query strings.Builder
	addParam := func(key, value string) {
		if query.Len() > 0 {
			query.WriteByte('&')
		}
		query.WriteString(key)
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(value))
	}

	addParam("ClientRequestId", uuid.NewString())
	addParam("X-SessionId", uuid.NewString())
	addParam("ConversationId", conversationID)
	addParam("access_token", token)
	if c.cfg.Source != "" {
		source := c.cfg.Source
		if c.cfg.QuoteSourceInQuery {
			source = `"` + source + `"`
		}
		addParam("source", source)
	}
	if c.cfg.Scenario != "" {
		addParam("scenario", c.cfg.Scenario)
	}
	if c.cfg.Product != "" {
		addParam("product", c.cfg.Product)
	}
	if c.cfg.AgentHost != "" {
		addParam("agentHost", c.cfg.AgentHost)
	}
	if c.cfg.LicenseType != "" {
		addParam("licenseType", c.cfg.LicenseType)
	}
	if c.cfg.Agent != "" {
		addParam("agent", c.cfg.Agent)
	}
	if c.cfg.Variants != "" {
		addParam("variants", c.cfg.Variants)
	}

	return base + "/" + url.PathEscape(oid) + "@" + url.PathEscape(tid) + "?" + query.String()
}

// invocationFrame shapes the single chat invocation record.
func (c *Client) invocationFrame(req *oai.CanonicalRequest, conversationID string, startOfSession bool) map[string]any {
	message := map[string]any{
		"author": "user",
		"text":   req.UpstreamPrompt(),
		"locale": c.cfg.Locale,
		"locationInfo": map[string]any{
			"timeZone":       req.Location.TimeZone,
			"timeZoneOffset": timeZoneOffsetMinutes(req.Location.TimeZone),
		},
	}
	if c.cfg.ExperienceType != "" {
		message["experienceType"] = c.cfg.ExperienceType
	}
	if len(c.cfg.EntityAnnotationTypes) > 0 {
		message["entityAnnotationTypes"] = c.cfg.EntityAnnotationTypes
	}

	argument := map[string]any{
		"source":              c.cfg.Source,
		"clientCorrelationId": uuid.NewString(),
		"sessionId":           uuid.NewString(),
		"conversationId":      conversationID,
		"traceId":             strings.ReplaceAll(uuid.NewString(), "-", ""),
		"isStartOfSession":    startOfSession,
		"productThreadType":   c.cfg.ProductThreadType,
		"clientInfo":          map[string]any{"clientPlatform": c.cfg.ClientPlatform},
		"message":             message,
		"optionsSets":         stringsOrEmpty(c.cfg.OptionsSets),
		"allowedMessageTypes": stringsOrEmpty(c.cfg.AllowedMessageTypes),
	}
	if req.ContextualResources != nil {
		argument["contextualResources"] = req.ContextualResources
	}

	target := c.cfg.InvocationTarget
	if target == "" {
		target = "chat"
	}
	invocationType := c.cfg.InvocationType
	if invocationType == 0 {
		invocationType = 4
	}

	return map[string]any{
		"arguments":    []any{argument},
		"invocationId": "0",
		"target":       target,
		"type":         invocationType,
	}
}

// hubSession owns one socket. Writes are serialized because the keep-alive
// goroutine shares the connection with the invocation path.
type hubSession struct {
	conn    *websocket.Conn
	timeout time.Duration
	writeMu sync.Mutex
	closed  bool
}

func (s *hubSession) write(v any) error {
	record, err := encodeRecord(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, record); err != nil {
		return apierr.Wrap(http.StatusBadGateway, apierr.CodeSubstrateError, "substrate write failed", err)
	}
	return nil
}

// handshake sends the protocol negotiation record and validates the reply.
func (s *hubSession) handshake() error {
	if err := s.write(map[string]any{"protocol": "json", "version": 1}); err != nil {
		return err
	}
	s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		return apierr.Wrap(http.StatusBadGateway, apierr.CodeSubstrateError, "substrate handshake failed", err)
	}
	for _, frame := range splitRecords(message) {
		if msg := frameError(frame); msg != "" {
			return apierr.Upstream(apierr.CodeSubstrateError, http.StatusBadGateway, "substrate handshake rejected: "+msg)
		}
	}
	return nil
}

func (s *hubSession) keepAlive(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(map[string]any{"type": 6}); err != nil {
				return
			}
		}
	}
}

// receive consumes frames until a terminal frame, socket close, or the
// invocation timeout since the last frame.
func (s *hubSession) receive(ctx context.Context, conversationID string, onUpdate transport.OnUpdate) (*transport.Result, error) {
	var (
		lastBotText string
		cursorText  strings.Builder
		terminal    bool
	)

	for !terminal {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			if isTimeoutErr(ctx, err) {
				return nil, apierr.Upstream(apierr.CodeSubstrateError, http.StatusGatewayTimeout, "substrate invocation timed out")
			}
			return nil, apierr.Wrap(http.StatusBadGateway, apierr.CodeSubstrateError, "substrate read failed", err)
		}

		for _, frame := range splitRecords(message) {
			if id := frameConversationID(frame); id != "" {
				conversationID = id
			}
			for _, delta := range cursorDeltas(frame) {
				cursorText.WriteString(delta)
				if onUpdate != nil {
					onUpdate(transport.StreamUpdate{DeltaText: delta, ConversationID: conversationID})
				}
			}
			if text := botMessageText(frame); text != "" {
				lastBotText = text
			}
			if msg := frameError(frame); msg != "" {
				return nil, apierr.Upstream(apierr.CodeSubstrateError, http.StatusBadGateway, msg)
			}
			if msg, rejected := resultRejected(frame); rejected {
				return nil, apierr.Upstream(apierr.CodeSubstrateError, http.StatusBadGateway, msg)
			}
			if isTerminal(frame) {
				terminal = true
			}
		}
	}

	text := lastBotText
	if text == "" {
		text = cursorText.String()
	}
	if text == "" {
		return nil, apierr.Upstream(apierr.CodeSubstrateError, http.StatusBadGateway, "substrate chat returned no assistant content")
	}
	return &transport.Result{Text: text, ConversationID: conversationID}, nil
}

// close sends a normal closure and drops the socket. Safe to call once per
// session on every exit path.
func (s *hubSession) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(2 * time.Second)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.conn.Close()
}

// tokenClaims extracts the oid and tid claims without verifying the
// signature; the upstream validates the token itself.
func tokenClaims(token string) (oid, tid string, err error) {
	if token == "" {
		return "", "", apierr.New(http.StatusUnauthorized, apierr.CodeMissingAuthorization, "authorization required")
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, parseErr := parser.ParseUnverified(token, claims); parseErr != nil {
		return "", "", apierr.InvalidRequest("bearer token is not a parseable JWT")
	}
	oid, _ = claims["oid"].(string)
	tid, _ = claims["tid"].(string)
	if oid == "" || tid == "" {
		return "", "", apierr.InvalidRequest("bearer token lacks oid or tid claims")
	}
	return oid, tid, nil
}

// timeZoneOffsetMinutes resolves the current UTC offset of an IANA zone name;
// unknown zones report 0.
func timeZoneOffsetMinutes(name string) int {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return 0
	}
	_, seconds := time.Now().In(loc).Zone()
	return seconds / 60
}

func stringsOrEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func isTimeoutErr(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok && t.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
