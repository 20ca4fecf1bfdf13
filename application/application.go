// Package application presents registered OAuth clients as applications owned
// by an account, and derives sessions from the tokens issued to them.
//
// Credentials of an application (API key, client id, client secret and
// callback URL) are only visible to requesters from the owning account.
package application

import (
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/storage"
)

// idNamespace scopes application ids derived from client ids
var idNamespace = uuid.MustParse("6f1c1b36-5a0e-4d61-9a53-3f5b8f0b7a2e")

// Application is the owner-aware view of a registered client.
type Application struct {
	// ID is stable for a client but does not reveal its client id
	ID          string
	Type        string
	Name        string
	Description string
	AccountID   string
	CreatedAt   time.Time

	apiKey       string
	clientID     string
	clientSecret string
	callbackURL  string
}

// FromClient builds the application view of client. The plaintext secret is
// not stored and therefore never available from a loaded client.
func FromClient(client *storage.Client) *Application {
	app := &Application{
		ID:          ApplicationID(client.ClientID),
		Type:        client.ApplicationType,
		Name:        client.Name,
		Description: client.Description,
		AccountID:   client.AccountID,
		CreatedAt:   client.CreatedAt,
		apiKey:      client.APIKey,
		clientID:    client.ClientID,
	}
	if len(client.RedirectURIs) > 0 {
		app.callbackURL = client.RedirectURIs[0]
	}
	return app
}

// ApplicationID derives the public application id of a client id.
func ApplicationID(clientID string) string {
	return uuid.NewSHA1(idNamespace, []byte(clientID)).String()
}

// IsOwner reports whether requesterAccountID owns the application.
func (a *Application) IsOwner(requesterAccountID string) bool {
	return requesterAccountID != "" && requesterAccountID == a.AccountID
}

func (a *Application) gated(requesterAccountID, value string) string {
	if !a.IsOwner(requesterAccountID) {
		return ""
	}
	return value
}

// APIKey returns the API key, or "" for requesters outside the owning account.
func (a *Application) APIKey(requesterAccountID string) string {
	return a.gated(requesterAccountID, a.apiKey)
}

// ClientID returns the OAuth client id, or "" for requesters outside the owning account.
func (a *Application) ClientID(requesterAccountID string) string {
	return a.gated(requesterAccountID, a.clientID)
}

// ClientSecret returns the plaintext client secret. It is only known on the
// application returned by Register or RotateSecret, and only to the owner.
func (a *Application) ClientSecret(requesterAccountID string) string {
	return a.gated(requesterAccountID, a.clientSecret)
}

// CallbackURL returns the registered redirect URI, or "" for requesters
// outside the owning account.
func (a *Application) CallbackURL(requesterAccountID string) string {
	return a.gated(requesterAccountID, a.callbackURL)
}
