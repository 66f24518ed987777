package credential

import (
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"gmail-webhook-relay/internal/config"
)

// Scopes returns the OAuth scopes the configured transport needs.
// IMAP XOAUTH2 requires full mail scope; the REST transport only reads.
func Scopes(cfg config.GmailConfig) []string {
	if cfg.UseIMAP {
		return []string{gmail.MailGoogleComScope}
	}
	return []string{gmail.GmailReadonlyScope}
}

// LoadOAuthConfig builds the OAuth client from explicit client id/secret,
// GOOGLE_CREDENTIALS_BASE64, or the downloaded credentials file, in that order.
func LoadOAuthConfig(cfg config.GmailConfig) (*oauth2.Config, error) {
	scopes := Scopes(cfg)

	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		return &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	var data []byte
	switch {
	case cfg.CredentialsBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(cfg.CredentialsBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode GOOGLE_CREDENTIALS_BASE64: %w", err)
		}
		data = decoded
	case cfg.CredentialsFile != "":
		raw, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		data = raw
	default:
		return nil, fmt.Errorf("no OAuth client credentials configured")
	}

	oc, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OAuth client credentials: %w", err)
	}
	if cfg.RedirectURL != "" {
		oc.RedirectURL = cfg.RedirectURL
	}
	return oc, nil
}

// NewTokenStore opens the configured token backend.
func NewTokenStore(cfg config.GmailConfig) (TokenStore, error) {
	switch cfg.TokenBackend {
	case "keyring":
		return OpenKeyringTokenStore(cfg.KeyringService)
	case "file", "":
		return NewFileTokenStore(cfg.TokenPath), nil
	default:
		return nil, fmt.Errorf("unsupported token backend %q", cfg.TokenBackend)
	}
}

// Open builds the Store from configuration: OAuth client plus token backend.
func Open(cfg config.GmailConfig) (*Store, error) {
	oc, err := LoadOAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := NewTokenStore(cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(oc, backend), nil
}
