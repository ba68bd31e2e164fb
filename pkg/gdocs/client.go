// Package gdocs appends scan results to a Google Doc, one line per
// result, after a one-time OAuth2 consent.
package gdocs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/option"

	"github.com/teslashibe/go-scan/internal/httpc"
	"github.com/teslashibe/go-scan/pkg/scan"
)

// ErrNotAuthenticated is returned before the OAuth flow has completed.
var ErrNotAuthenticated = errors.New("gdocs: not authenticated")

// DefaultTitle names the document created when no DocumentID is set.
const DefaultTitle = "Scan log"

const authState = "go-scan"

// Config configures the Google Docs client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string // e.g. "http://localhost:8080/api/gdocs/callback"
	TokenPath    string // default: ~/.go-scan/google_token.json
	DocumentID   string // empty creates a document on first append
}

// Client handles OAuth2 and appends to the scan log document.
type Client struct {
	config    *oauth2.Config
	tokenPath string
	logger    *slog.Logger

	mu      sync.RWMutex
	token   *oauth2.Token
	service *docs.Service
	docID   string
}

// New creates a client and loads a saved token if one exists.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("gdocs: client id and secret are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = "http://localhost:8080/api/gdocs/callback"
	}
	if cfg.TokenPath == "" {
		home, _ := os.UserHomeDir()
		cfg.TokenPath = filepath.Join(home, ".go-scan", "google_token.json")
	}

	c := &Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{docs.DocumentsScope},
			Endpoint:     google.Endpoint,
		},
		tokenPath: cfg.TokenPath,
		logger:    logger,
		docID:     cfg.DocumentID,
	}

	if tok, err := loadToken(c.tokenPath); err == nil {
		if err := c.setToken(context.Background(), tok); err != nil {
			logger.Warn("saved google token unusable", "error", err)
		}
	}
	return c, nil
}

// Authenticated reports whether a token is loaded.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.service != nil
}

// AuthURL returns the consent URL.
func (c *Client) AuthURL() string {
	return c.config.AuthCodeURL(authState, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// HandleCallback exchanges the authorization code and stores the token.
func (c *Client) HandleCallback(ctx context.Context, state, code string) error {
	if state != authState {
		return errors.New("gdocs: oauth state mismatch")
	}
	tok, err := c.config.Exchange(c.httpContext(ctx), code)
	if err != nil {
		return fmt.Errorf("failed to exchange code for token: %w", err)
	}
	if err := saveToken(c.tokenPath, tok); err != nil {
		c.logger.Warn("failed to save google token", "error", err)
	}
	return c.setToken(ctx, tok)
}

// DocumentID returns the scan log document, empty until created.
func (c *Client) DocumentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docID
}

// Append inserts r as a line at the end of the document.
func (c *Client) Append(ctx context.Context, r scan.Result) error {
	c.mu.RLock()
	service := c.service
	c.mu.RUnlock()
	if service == nil {
		return ErrNotAuthenticated
	}

	docID, err := c.ensureDocument(ctx, service)
	if err != nil {
		return err
	}

	req := &docs.BatchUpdateDocumentRequest{
		Requests: []*docs.Request{{
			InsertText: &docs.InsertTextRequest{
				EndOfSegmentLocation: &docs.EndOfSegmentLocation{},
				Text:                 FormatLine(r),
			},
		}},
	}
	if _, err := service.Documents.BatchUpdate(docID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to append to document: %w", err)
	}
	return nil
}

func (c *Client) ensureDocument(ctx context.Context, service *docs.Service) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.docID != "" {
		return c.docID, nil
	}
	doc, err := service.Documents.Create(&docs.Document{Title: DefaultTitle}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	c.docID = doc.DocumentId
	c.logger.Info("created scan log document", "url", DocURL(c.docID))
	return c.docID, nil
}

func (c *Client) setToken(ctx context.Context, tok *oauth2.Token) error {
	httpClient := c.config.Client(c.httpContext(context.Background()), tok)
	service, err := docs.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return fmt.Errorf("failed to create docs service: %w", err)
	}
	c.mu.Lock()
	c.token = tok
	c.service = service
	c.mu.Unlock()
	return nil
}

// httpContext makes oauth2 use the shared client with timeouts.
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, httpc.Client)
}

// FormatLine renders a result as one tab-separated line.
func FormatLine(r scan.Result) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\n", r.At.UTC().Format(time.RFC3339), r.SessionID, r.Symbol.Format, r.Symbol.Text)
}

// DocURL returns the URL to view a Google Doc.
func DocURL(docID string) string {
	return fmt.Sprintf("https://docs.google.com/document/d/%s/edit", docID)
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
