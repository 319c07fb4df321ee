package telegram

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// Runtime owns one gotd user session and the components bound to it.
type Runtime struct {
	cfg     parsedConfig
	client  *gotdtelegram.Client
	updates *UpdateChannel
	peers   *PeerCache
	logger  *slog.Logger
}

// NewRuntime builds a gotd client with file-backed session storage.
// Nothing connects until Run is called.
func NewRuntime(raw Config, logger *slog.Logger) (*Runtime, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("parse telegram config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessionStorage, err := newSessionStorage(cfg.sessionFile)
	if err != nil {
		return nil, fmt.Errorf("new telegram session storage: %w", err)
	}

	updates := NewUpdateChannel(cfg.updateBuffer)
	client := gotdtelegram.NewClient(cfg.appID, cfg.appHash, gotdtelegram.Options{
		UpdateHandler:  updates,
		SessionStorage: sessionStorage,
	})

	return &Runtime{
		cfg:     cfg,
		client:  client,
		updates: updates,
		peers:   NewPeerCache(),
		logger:  logger,
	}, nil
}

// Peers returns the peer cache shared by the transport and event source.
func (r *Runtime) Peers() *PeerCache {
	return r.peers
}

// NewTransport creates the mirror transport bound to this session.
func (r *Runtime) NewTransport(options ...TransportOption) (*Transport, error) {
	options = append([]TransportOption{
		WithRPCTimeout(r.cfg.rpcTimeout),
		WithTransportLogger(r.logger),
	}, options...)

	return newTransportWithRPC(newGotdRPC(r.client.API()), r.peers, options...)
}

// NewEventSource creates the live event source bound to this session.
func (r *Runtime) NewEventSource(options ...SourceOption) (*EventSource, error) {
	options = append([]SourceOption{
		WithAlbumWindow(r.cfg.albumWindow),
		WithSourceLogger(r.logger),
	}, options...)

	return NewEventSource(r.updates, r.peers, options...)
}

// Run connects, authenticates when needed and executes fn while the session is up.
func (r *Runtime) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("run telegram runtime: nil callback")
	}

	if err := r.client.Run(ctx, func(runCtx context.Context) error {
		if err := r.authenticate(runCtx); err != nil {
			return fmt.Errorf("authenticate telegram client: %w", err)
		}
		return fn(runCtx)
	}); err != nil {
		return fmt.Errorf("run telegram runtime: %w", err)
	}

	return nil
}

func (r *Runtime) authenticate(ctx context.Context) error {
	authCtx, cancel := context.WithTimeout(ctx, r.cfg.authTimeout)
	defer cancel()

	status, err := r.client.Auth().Status(authCtx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		r.logger.InfoContext(ctx, "telegram session restored from local storage", "session_file", r.cfg.sessionFile)
		return nil
	}

	if r.cfg.phone == "" {
		return fmt.Errorf("telegram phone number is required for login; configure telegram.phone")
	}

	codeAuthenticator := auth.CodeAuthenticatorFunc(func(_ context.Context, _ *tg.AuthSentCode) (string, error) {
		code, err := loginCode(r.cfg.code)
		if err != nil {
			return "", fmt.Errorf("resolve login code: %w", err)
		}
		return code, nil
	})

	var authenticator auth.UserAuthenticator = auth.CodeOnly(r.cfg.phone, codeAuthenticator)
	if r.cfg.password != "" {
		authenticator = auth.Constant(r.cfg.phone, r.cfg.password, codeAuthenticator)
	}

	if err := r.client.Auth().IfNecessary(authCtx, auth.NewFlow(authenticator, auth.SendCodeOptions{})); err != nil {
		return fmt.Errorf("authenticate user: %w", err)
	}
	r.logger.InfoContext(ctx, "telegram authorized with user flow", "session_file", r.cfg.sessionFile)

	return nil
}

func newSessionStorage(path string) (*session.FileStorage, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("empty session file path")
	}

	absPath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute session file path: %w", err)
	}
	sessionDir := filepath.Dir(absPath)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", sessionDir, err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

func loginCode(configuredCode string) (string, error) {
	if code := strings.TrimSpace(configuredCode); code != "" {
		return code, nil
	}

	stdinInfo, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("read stdin status: %w", err)
	}
	if stdinInfo.Mode()&os.ModeCharDevice == 0 {
		return "", fmt.Errorf("telegram.code is empty and stdin is not interactive")
	}

	fmt.Fprint(os.Stdout, "Enter Telegram login code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read login code: %w", err)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty login code")
	}

	return code, nil
}
