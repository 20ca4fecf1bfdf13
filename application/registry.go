package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/storage"
)

// ErrNotOwner is returned when a requester outside the owning account tries
// to change an application.
var ErrNotOwner = errors.New("requester does not own the application")

// Registration describes a new application.
type Registration struct {
	AccountID   string
	Name        string
	Description string
	// Type is a free-form application type such as "web" or "native"
	Type        string
	CallbackURL string

	// Public applications authenticate without a secret and may only use
	// the authorization_code and refresh_token grants.
	Public bool

	// GrantTypes defaults to authorization_code and refresh_token
	GrantTypes []string
	Scopes     []string
}

// Registry registers applications as OAuth clients.
type Registry struct {
	clients storage.ClientStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a registry writing to clients
func NewRegistry(clients storage.ClientStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{clients: clients, logger: logger, now: time.Now}
}

// Register creates a client for reg. The returned application is the only
// one that carries the plaintext client secret.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Application, error) {
	if reg.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if err := validateCallbackURL(reg.CallbackURL); err != nil {
		return nil, err
	}

	grants := reg.GrantTypes
	if len(grants) == 0 {
		grants = []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	}

	client := &storage.Client{
		ClientID:        uuid.NewString(),
		ClientType:      storage.ClientTypeConfidential,
		RedirectURIs:    []string{reg.CallbackURL},
		GrantTypes:      grants,
		Scopes:          reg.Scopes,
		AccountID:       reg.AccountID,
		Name:            reg.Name,
		Description:     reg.Description,
		ApplicationType: reg.Type,
		APIKey:          oauth2.GenerateVerifier(),
		CreatedAt:       r.now(),
	}

	var secret string
	if reg.Public {
		client.ClientType = storage.ClientTypePublic
		for _, g := range grants {
			if g == storage.GrantTypeClientCredentials || g == storage.GrantTypePassword {
				return nil, fmt.Errorf("public applications cannot use the %s grant", g)
			}
		}
	} else {
		var err error
		secret, client.ClientSecretHash, err = newSecret()
		if err != nil {
			return nil, err
		}
	}

	if err := r.clients.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.InfoContext(ctx, "Registered application",
		"application_id", ApplicationID(client.ClientID),
		"account_id", client.AccountID,
		"client_type", client.ClientType)

	app := FromClient(client)
	app.clientSecret = secret
	return app, nil
}

// Get loads the application registered under clientID.
func (r *Registry) Get(ctx context.Context, clientID string) (*Application, error) {
	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return FromClient(client), nil
}

// RotateSecret replaces the secret of a confidential application. Existing
// tokens stay valid; only future client authentication needs the new secret.
func (r *Registry) RotateSecret(ctx context.Context, clientID, requesterAccountID string) (*Application, error) {
	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !FromClient(client).IsOwner(requesterAccountID) {
		return nil, ErrNotOwner
	}
	if client.IsPublic() {
		return nil, fmt.Errorf("public applications have no secret")
	}

	secret, hash, err := newSecret()
	if err != nil {
		return nil, err
	}
	client.ClientSecretHash = hash
	if err := r.clients.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.InfoContext(ctx, "Rotated application secret",
		"application_id", ApplicationID(client.ClientID))

	app := FromClient(client)
	app.clientSecret = secret
	return app, nil
}

func newSecret() (secret, hash string, err error) {
	secret = oauth2.GenerateVerifier()
	hash, err = storage.HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return secret, hash, nil
}

// validateCallbackURL requires an absolute URL without a fragment (RFC 6749 section 3.1.2).
func validateCallbackURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("callback URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback URL: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("callback URL must be absolute")
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return fmt.Errorf("callback URL must name a host")
	}
	if u.Fragment != "" {
		return fmt.Errorf("callback URL must not contain a fragment")
	}
	return nil
}
