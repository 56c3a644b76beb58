// Package provider defines the capability surface every external cloud
// service is adapted onto, plus the shared upstream HTTP client the adapters
// call through.
package provider

import (
	"context"
	"io"
	"time"
)

// CredentialSet is one provider's tokens inside a user's bundle. It only ever
// exists in plaintext inside the gateway process; clients hold it encrypted.
type CredentialSet struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Item is one listing entry. RequestPath is the opaque segment a client
// sends back to descend into folders or to address a download.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsFolder    bool   `json:"isFolder"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size,omitempty"`
	RequestPath string `json:"requestPath"`
	Icon        string `json:"icon"`
}

// Listing is the result of a List call.
type Listing struct {
	Username string `json:"username"`
	Items    []Item `json:"items"`
}

// Adapter is implemented once per external cloud service. Implementations
// are stateless and safe for concurrent use; credentials arrive per call.
type Adapter interface {
	// Name is the gateway-facing provider key (path segment).
	Name() string
	// AuthKind is the alias the OAuth broker knows this provider by.
	// Providers with no separate alias return their own name.
	AuthKind() string

	List(ctx context.Context, creds CredentialSet, path string) (*Listing, error)
	Stat(ctx context.Context, creds CredentialSet, id string) (*Item, error)
	// Download opens the file's byte stream and reports the declared size,
	// or -1 when the upstream does not declare one.
	Download(ctx context.Context, creds CredentialSet, id string) (io.ReadCloser, int64, error)

	ExchangeAuthCode(ctx context.Context, code string) (CredentialSet, error)
	Refresh(ctx context.Context, creds CredentialSet) (CredentialSet, error)
	Revoke(ctx context.Context, creds CredentialSet) error
}
