// Package debuglog writes one markdown file per proxied turn when a debug
// directory is configured. Intended for local troubleshooting of prompt
// shaping and upstream behavior.
package debuglog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/infrastructure/logger"
)

var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+|access_token=)([A-Za-z0-9._~+/=-]+)`)

// Turn captures everything worth dumping about one request.
type Turn struct {
	Endpoint       string
	Transport      string
	ConversationID string
	RequestBody    string
	UpstreamPrompt string
	AssistantText  string
	Error          string
}

// Logger appends sequence-numbered markdown files to a directory. A nil
// Logger is a no-op, so callers never branch on whether debug logging is on.
type Logger struct {
	dir string
	log *zap.Logger

	mu  sync.Mutex
	seq int
}

// New returns a turn logger for dir, or nil when dir is empty.
func New(dir string, log *zap.Logger) *Logger {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("Debug log directory unavailable", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	return &Logger{dir: dir, log: log}
}

// LogTurn writes one markdown file for the turn. Bearer tokens are redacted
// everywhere in the dumped content.
func (l *Logger) LogTurn(turn Turn) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	now := time.Now().UTC()
	name := fmt.Sprintf("%04d-%s.md", seq, now.Format("20060102-150405"))

	content := fmt.Sprintf(
		"# Turn %d\n\n- time: %s\n- endpoint: %s\n- transport: %s\n- conversationId: %s\n\n## Request\n\n```json\n%s\n```\n\n## Upstream prompt\n\n```\n%s\n```\n\n## Assistant\n\n```\n%s\n```\n",
		seq,
		now.Format(time.RFC3339),
		turn.Endpoint,
		turn.Transport,
		turn.ConversationID,
		redact(turn.RequestBody),
		redact(turn.UpstreamPrompt),
		redact(turn.AssistantText),
	)
	if turn.Error != "" {
		content += fmt.Sprintf("\n## Error\n\n```\n%s\n```\n", redact(turn.Error))
	}

	if err := os.WriteFile(filepath.Join(l.dir, name), []byte(content), 0o644); err != nil {
		l.log.Warn("Failed to write debug turn log", zap.String("file", name), zap.Error(err))
	}
}

func redact(s string) string {
	return bearerPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := bearerPattern.FindStringSubmatch(match)
		return sub[1] + logger.Redact(sub[2])
	})
}
