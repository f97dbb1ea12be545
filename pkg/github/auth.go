package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v71/github"
	"golang.org/x/oauth2"
)

// Authentication constants.
const (
	maxTokenLength     = 100 // Maximum expected length for GitHub tokens
	minTokenLength     = 40  // Minimum expected length for GitHub tokens
	classicTokenLength = 40  // Length of classic GitHub tokens
	maxAppID           = 999999999
	filePermReadOnly   = 0o400
	filePermOwnerRW    = 0o600

	jwtLifetime         = 10 * time.Minute // GitHub rejects app JWTs valid for longer
	jwtRefreshMargin    = time.Minute
	installationMargin  = 5 * time.Minute
	tokenRequestTimeout = 30 * time.Second
)

// AppConfig holds GitHub App credentials. PrivateKey takes precedence over KeyPath.
type AppConfig struct {
	// BaseHTTPClient is the transport used under authentication. Nil means a default client.
	BaseHTTPClient *http.Client
	AppID          string
	KeyPath        string
	PrivateKey     []byte
}

// App authenticates as a GitHub App and mints installation tokens.
type App struct {
	jwtExpiry  time.Time
	base       *http.Client
	appID      string
	jwt        string
	privateKey []byte
	mu         sync.Mutex
}

// Installation is one account the app is installed on.
type Installation struct {
	Account     string
	AccountType string
	ID          int64
}

// NewApp validates credentials and returns an App ready to sign JWTs.
func NewApp(cfg AppConfig) (*App, error) {
	if err := validateAppID(cfg.AppID); err != nil {
		return nil, err
	}
	key, err := loadPrivateKey(cfg.PrivateKey, cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	if _, err := parsePrivateKey(key); err != nil {
		return nil, err
	}
	base := cfg.BaseHTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultHTTPTimeout}
	}
	slog.Info("Using GitHub App authentication", "component", "auth", "app_id", cfg.AppID)
	return &App{appID: cfg.AppID, privateKey: key, base: base}, nil
}

// appClient returns a go-github client authenticated with a current app JWT.
func (a *App) appClient() (*gogithub.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.jwt == "" || time.Now().After(a.jwtExpiry) {
		token, err := generateJWT(a.appID, a.privateKey)
		if err != nil {
			return nil, fmt.Errorf("generate app JWT: %w", err)
		}
		a.jwt = token
		a.jwtExpiry = time.Now().Add(jwtLifetime - jwtRefreshMargin)
	}
	return gogithub.NewClient(a.base).WithAuthToken(a.jwt), nil
}

// Installations lists every account the app is installed on.
func (a *App) Installations(ctx context.Context) ([]Installation, error) {
	gh, err := a.appClient()
	if err != nil {
		return nil, err
	}

	var out []Installation
	opts := &gogithub.ListOptions{PerPage: perPage}
	for {
		list, resp, err := gh.Apps.ListInstallations(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list app installations: %w", err)
		}
		for _, inst := range list {
			out = append(out, Installation{
				ID:          inst.GetID(),
				Account:     inst.GetAccount().GetLogin(),
				AccountType: inst.GetAccount().GetType(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	slog.Info("Found app installations", "component", "auth", "count", len(out))
	return out, nil
}

// TokenSource returns a refreshing token source for one installation.
func (a *App) TokenSource(installationID int64) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &installationTokenSource{app: a, installationID: installationID})
}

// InstallationClient returns an IssueStore acting as the given installation.
func (a *App) InstallationClient(ctx context.Context, installationID int64, cfg Config) (*Client, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.base)
	cfg.HTTPClient = oauth2.NewClient(ctx, a.TokenSource(installationID))
	return New(cfg)
}

type installationTokenSource struct {
	app            *App
	installationID int64
}

// Token creates a new installation access token. Expiry is pulled in so the
// token is replaced well before GitHub stops accepting it.
func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	gh, err := s.app.appClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), tokenRequestTimeout)
	defer cancel()

	tok, _, err := gh.Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("create installation token for %d: %w", s.installationID, err)
	}
	if tok.GetToken() == "" {
		return nil, errors.New("received empty installation token")
	}
	expiresAt := tok.GetExpiresAt().Time
	slog.Info("Created installation access token",
		"component", "auth",
		"installation", s.installationID,
		"expires_at", expiresAt.Format(time.RFC3339))
	return &oauth2.Token{
		AccessToken: tok.GetToken(),
		TokenType:   "Bearer",
		Expiry:      expiresAt.Add(-installationMargin),
	}, nil
}

// NewTokenHTTPClient returns an HTTP client authenticated with a personal token.
// An empty token is read from the gh CLI.
func NewTokenHTTPClient(ctx context.Context, token string) (*http.Client, error) {
	if token == "" {
		out, err := exec.CommandContext(ctx, "gh", "auth", "token").Output()
		if err != nil {
			return nil, fmt.Errorf("failed to get GitHub token: %w", err)
		}
		token = strings.TrimSpace(string(out))
	}
	if err := validateToken(token); err != nil {
		return nil, err
	}
	slog.Info("Using personal access token authentication", "component", "auth")
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})), nil
}

// generateJWT generates a JWT token for GitHub App authentication.
func generateJWT(appID string, privateKey []byte) (string, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(), // tolerate clock drift
		"exp": now.Add(jwtLifetime).Unix(),
		"iss": appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

// parsePrivateKey decodes a PEM RSA key in PKCS1 or PKCS8 form.
func parsePrivateKey(privateKey []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKey)
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

// validateAppID validates the GitHub App ID.
func validateAppID(appID string) error {
	if appID == "" {
		return errors.New("app ID cannot be empty")
	}
	n, err := strconv.Atoi(appID)
	if err != nil {
		return fmt.Errorf("app ID must be numeric: %w", err)
	}
	if n <= 0 || n > maxAppID {
		return errors.New("app ID out of valid range")
	}
	return nil
}

// loadPrivateKey loads the private key from content or file path.
func loadPrivateKey(content []byte, keyPath string) ([]byte, error) {
	var key []byte
	switch {
	case len(content) > 0:
		key = content
	case keyPath != "":
		var err error
		if key, err = readPrivateKeyFile(keyPath); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("no private key provided (neither content nor path)")
	}

	if !bytes.Contains(key, []byte("BEGIN RSA PRIVATE KEY")) &&
		!bytes.Contains(key, []byte("BEGIN PRIVATE KEY")) {
		return nil, errors.New("private key does not appear to be a valid PEM private key")
	}
	return key, nil
}

// readPrivateKeyFile reads a private key file, insisting on an absolute path
// and owner-only permissions.
func readPrivateKeyFile(keyPath string) ([]byte, error) {
	cleanPath := filepath.Clean(keyPath)
	if !filepath.IsAbs(cleanPath) {
		return nil, errors.New("private key path must be absolute")
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("cannot access private key file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("private key path must be a file, not a directory")
	}

	perm := info.Mode().Perm()
	if perm != filePermOwnerRW && perm != filePermReadOnly {
		return nil, fmt.Errorf("private key file has insecure permissions %04o (must be 0600 or 0400)", perm)
	}
	return os.ReadFile(cleanPath)
}

// validateToken validates a GitHub personal access token.
func validateToken(token string) error {
	if token == "" {
		return errors.New("no GitHub token found")
	}
	if len(token) > maxTokenLength || len(token) < minTokenLength {
		return errors.New("invalid token length")
	}

	for _, prefix := range []string{"ghp_", "gho_", "ghu_", "ghs_", "ghr_", "github_pat_"} {
		if strings.HasPrefix(token, prefix) {
			return nil
		}
	}

	if len(token) != classicTokenLength {
		return errors.New("invalid token format")
	}
	for _, r := range token {
		if (r < 'a' || r > 'f') && (r < '0' || r > '9') {
			return errors.New("invalid classic token format")
		}
	}
	return nil
}
