// Package token resolves the bearer credential used for upstream calls.
package token

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/infrastructure/logger"
)

// expirySlack keeps a cached token from being handed out right before it
// expires.
const expirySlack = 60 * time.Second

// tokenFile is the on-disk shape written by the external acquirer.
type tokenFile struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
}

// Provider resolves an Authorization header value from the inbound request,
// the on-disk token cache, or an external acquisition subprocess. Concurrent
// acquisitions collapse into one subprocess run.
type Provider struct {
	cfg    config.AuthConfig
	ignore bool
	logger *zap.Logger
	group  singleflight.Group
	now    func() time.Time

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, command string) error
}

// NewProvider builds a token provider from config.
func NewProvider(cfg *config.Config, log *zap.Logger) *Provider {
	return &Provider{
		cfg:        cfg.Auth,
		ignore:     cfg.IgnoreIncomingAuthorizationHeader,
		logger:     log,
		now:        time.Now,
		runCommand: runShellCommand,
	}
}

// ResolveAuthorizationHeader returns "Bearer <token>" or "" when no
// credential could be resolved. The inbound header wins unless config ignores
// it; otherwise the cached token file is used while still valid, and an
// acquisition subprocess refreshes it on demand.
func (p *Provider) ResolveAuthorizationHeader(ctx context.Context, inbound string) string {
	if inbound != "" && !p.ignore {
		return inbound
	}

	if token := p.cachedToken(); token != "" {
		return "Bearer " + token
	}

	if p.cfg.AcquireCommand == "" {
		return ""
	}

	result, err, _ := p.group.Do("acquire", func() (any, error) {
		// A concurrent caller may have refreshed the file while this call
		// waited for the flight slot.
		if token := p.cachedToken(); token != "" {
			return token, nil
		}
		if err := p.acquire(ctx); err != nil {
			return "", err
		}
		return p.cachedToken(), nil
	})
	if err != nil {
		p.logger.Warn("Token acquisition failed", zap.Error(err))
		return ""
	}
	token, _ := result.(string)
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// cachedToken reads the token file and returns its token when the expiry is
// comfortably in the future.
func (p *Provider) cachedToken() string {
	if p.cfg.TokenFilePath == "" {
		return ""
	}
	data, err := os.ReadFile(p.cfg.TokenFilePath)
	if err != nil {
		return ""
	}
	var file tokenFile
	if err := json.Unmarshal(data, &file); err != nil {
		p.logger.Warn("Token file is not valid JSON", zap.String("path", p.cfg.TokenFilePath))
		return ""
	}
	if file.AccessToken == "" {
		return ""
	}
	expiresAt, err := time.Parse(time.RFC3339, file.ExpiresAt)
	if err != nil {
		return ""
	}
	if !expiresAt.After(p.now().Add(expirySlack)) {
		return ""
	}
	return strings.TrimSpace(file.AccessToken)
}

func (p *Provider) acquire(ctx context.Context) error {
	timeout := time.Duration(p.cfg.AcquireTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.Info("Acquiring token via external command")
	if err := p.runCommand(ctx, p.cfg.AcquireCommand); err != nil {
		return err
	}
	p.logger.Info("Token acquisition command finished",
		logger.RedactedToken("token", p.cachedToken()))
	return nil
}

func runShellCommand(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
