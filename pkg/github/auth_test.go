package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/h2non/gock"
)

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

func TestValidateAppID(t *testing.T) {
	tests := []struct {
		appID   string
		wantErr bool
	}{
		{"12345", false},
		{"1", false},
		{"999999999", false},
		{"", true},
		{"abc", true},
		{"0", true},
		{"-5", true},
		{"1000000000", true},
	}
	for _, tt := range tests {
		if err := validateAppID(tt.appID); (err != nil) != tt.wantErr {
			t.Errorf("validateAppID(%q) error = %v, wantErr %v", tt.appID, err, tt.wantErr)
		}
	}
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"personal", "ghp_" + strings.Repeat("a", 36), false},
		{"fine grained", "github_pat_" + strings.Repeat("b", 60), false},
		{"installation", "ghs_" + strings.Repeat("c", 36), false},
		{"classic hex", strings.Repeat("0123456789", 4), false},
		{"empty", "", true},
		{"too short", "ghp_abc", true},
		{"too long", "ghp_" + strings.Repeat("a", 100), true},
		{"unknown prefix", "xyz_" + strings.Repeat("a", 38), true},
		{"classic not hex", strings.Repeat("z", 40), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateToken(tt.token); (err != nil) != tt.wantErr {
				t.Errorf("validateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, pkcs1 := testKey(t)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	for name, data := range map[string][]byte{"pkcs1": pkcs1, "pkcs8": pkcs8} {
		got, err := parsePrivateKey(data)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !got.Equal(key) {
			t.Errorf("%s: parsed key differs", name)
		}
	}

	if _, err := parsePrivateKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}

func TestGenerateJWT(t *testing.T) {
	key, pemBytes := testKey(t)

	signed, err := generateJWT("12345", pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	token, err := jwt.Parse(signed, func(*jwt.Token) (any, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("parse JWT: %v", err)
	}
	iss, err := token.Claims.GetIssuer()
	if err != nil || iss != "12345" {
		t.Errorf("issuer = %q, %v; want 12345", iss, err)
	}
}

func TestLoadPrivateKey(t *testing.T) {
	_, pemBytes := testKey(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.pem")
	if err := os.WriteFile(good, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	loose := filepath.Join(dir, "loose.pem")
	if err := os.WriteFile(loose, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(loose, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		content []byte
		path    string
		wantErr string
	}{
		{name: "content", content: pemBytes},
		{name: "file", path: good},
		{name: "nothing", wantErr: "no private key"},
		{name: "relative path", path: "key.pem", wantErr: "must be absolute"},
		{name: "directory", path: dir, wantErr: "not a directory"},
		{name: "insecure permissions", path: loose, wantErr: "insecure permissions"},
		{name: "missing", path: filepath.Join(dir, "missing.pem"), wantErr: "cannot access"},
		{name: "not pem", content: []byte("hello"), wantErr: "valid PEM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadPrivateKey(tt.content, tt.path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	_, pemBytes := testKey(t)
	hc := &http.Client{}
	gock.InterceptClient(hc)
	t.Cleanup(gock.Off)

	app, err := NewApp(AppConfig{AppID: "12345", PrivateKey: pemBytes, BaseHTTPClient: hc})
	if err != nil {
		t.Fatal(err)
	}
	return app
}

func TestNewAppRejectsBadInput(t *testing.T) {
	_, pemBytes := testKey(t)
	if _, err := NewApp(AppConfig{AppID: "abc", PrivateKey: pemBytes}); err == nil {
		t.Error("expected error for bad app ID")
	}
	if _, err := NewApp(AppConfig{AppID: "1"}); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestAppInstallations(t *testing.T) {
	app := newTestApp(t)
	gock.New(apiURL).
		Get("/app/installations").
		MatchHeader("Authorization", "^Bearer ").
		Reply(200).
		JSON([]map[string]any{
			{"id": 7, "account": map[string]any{"login": "NixOS", "type": "Organization"}},
			{"id": 8, "account": map[string]any{"login": "alice", "type": "User"}},
		})

	got, err := app.Installations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []Installation{
		{ID: 7, Account: "NixOS", AccountType: "Organization"},
		{ID: 8, Account: "alice", AccountType: "User"},
	}
	if len(got) != len(want) {
		t.Fatalf("Installations() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Installations()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestInstallationClientUsesToken(t *testing.T) {
	app := newTestApp(t)
	gock.New(apiURL).
		Post("/app/installations/7/access_tokens").
		Reply(201).
		JSON(map[string]any{"token": "ghs_installation", "expires_at": "2099-01-01T00:00:00Z"})
	gock.New(apiURL).
		Get("/repos/NixOS/nixpkgs/issues/42/labels").
		MatchHeader("Authorization", "Bearer ghs_installation").
		Reply(200).
		JSON([]map[string]any{{"name": "marvin"}})

	c, err := app.InstallationClient(context.Background(), 7, Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	labels, err := c.Labels(context.Background(), testIssue())
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0] != "marvin" {
		t.Errorf("Labels() = %v", labels)
	}
	if !gock.IsDone() {
		t.Error("expected token and labels requests")
	}
}

func TestInstallationTokenFailure(t *testing.T) {
	app := newTestApp(t)
	gock.New(apiURL).
		Post("/app/installations/9/access_tokens").
		Reply(404).
		JSON(map[string]any{"message": "Not Found"})

	if _, err := app.TokenSource(9).Token(); err == nil {
		t.Error("expected error for unknown installation")
	}
}
