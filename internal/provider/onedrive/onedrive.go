// Package onedrive adapts a Graph-style office-cloud API onto the provider
// interface.
package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"relaygate/internal/provider"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Options configures the adapter. BaseURL and Endpoint default to the public
// Graph endpoints and are overridden in tests.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BaseURL      string
	Endpoint     oauth2.Endpoint
	Timeout      time.Duration
	Log          *zap.SugaredLogger
}

type Adapter struct {
	api      *provider.Client
	transfer *provider.Client
	baseURL  string
	oauth    *oauth2.Config
	log      *zap.SugaredLogger
}

func New(opts Options) *Adapter {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	endpoint := opts.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		}
	}
	return &Adapter{
		api:      provider.NewClient("onedrive", nil, opts.Timeout, opts.Log),
		transfer: provider.NewClient("onedrive", &http.Client{}, 0, opts.Log),
		baseURL:  strings.TrimRight(base, "/"),
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"offline_access", "Files.Read.All"},
		},
		log: opts.Log,
	}
}

func (a *Adapter) Name() string     { return "onedrive" }
func (a *Adapter) AuthKind() string { return "microsoft" }

// driveItem is the subset of the Graph item resource the gateway uses.
type driveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Thumbnails []struct {
		Medium struct {
			URL string `json:"url"`
		} `json:"medium"`
	} `json:"thumbnails"`
}

type childrenResponse struct {
	Value []driveItem `json:"value"`
}

type meResponse struct {
	UserPrincipalName string `json:"userPrincipalName"`
}

func (a *Adapter) List(ctx context.Context, creds provider.CredentialSet, path string) (*provider.Listing, error) {
	username, err := a.username(ctx, creds)
	if err != nil {
		return nil, err
	}

	u := a.baseURL + "/me/drive/root/children"
	if path != "" && path != "root" {
		u = fmt.Sprintf("%s/me/drive/items/%s/children", a.baseURL, url.PathEscape(path))
	}
	u += "?$expand=thumbnails"

	resp, err := a.api.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr childrenResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("onedrive: decoding children response: %w", err)
	}

	listing := &provider.Listing{Username: username}
	for _, it := range cr.Value {
		listing.Items = append(listing.Items, toItem(it))
	}
	return listing, nil
}

func (a *Adapter) Stat(ctx context.Context, creds provider.CredentialSet, id string) (*provider.Item, error) {
	u := fmt.Sprintf("%s/me/drive/items/%s", a.baseURL, url.PathEscape(id))
	resp, err := a.api.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var it driveItem
	if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
		return nil, fmt.Errorf("onedrive: decoding item metadata: %w", err)
	}
	item := toItem(it)
	return &item, nil
}

// Download opens the item content stream; the upstream answers with a
// redirect to pre-authenticated storage which the transfer client follows.
func (a *Adapter) Download(ctx context.Context, creds provider.CredentialSet, id string) (io.ReadCloser, int64, error) {
	item, err := a.Stat(ctx, creds, id)
	if err != nil {
		return nil, 0, err
	}

	u := fmt.Sprintf("%s/me/drive/items/%s/content", a.baseURL, url.PathEscape(id))
	resp, err := a.transfer.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, 0, err
	}

	size := item.Size
	if size == 0 {
		size = -1
	}
	return resp.Body, size, nil
}

func (a *Adapter) ExchangeAuthCode(ctx context.Context, code string) (provider.CredentialSet, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("onedrive: code exchange: %w", err)
	}
	return provider.CredentialSet{
		Provider:     a.Name(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func (a *Adapter) Refresh(ctx context.Context, creds provider.CredentialSet) (provider.CredentialSet, error) {
	if creds.RefreshToken == "" {
		return provider.CredentialSet{}, fmt.Errorf("onedrive: no refresh token")
	}
	src := a.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("onedrive: refresh: %w", err)
	}
	out := provider.CredentialSet{
		Provider:     a.Name(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = creds.RefreshToken
	}
	return out, nil
}

// Revoke is a no-op upstream: the identity platform has no token revocation
// endpoint for delegated tokens, so discarding the bundle is all there is.
func (a *Adapter) Revoke(ctx context.Context, creds provider.CredentialSet) error {
	return nil
}

func (a *Adapter) username(ctx context.Context, creds provider.CredentialSet) (string, error) {
	resp, err := a.api.Do(ctx, http.MethodGet, a.baseURL+"/me", creds.AccessToken, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var mr meResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", fmt.Errorf("onedrive: decoding me response: %w", err)
	}
	return mr.UserPrincipalName, nil
}

func toItem(it driveItem) provider.Item {
	mime := ""
	if it.File != nil {
		mime = it.File.MimeType
	}
	icon := ""
	if len(it.Thumbnails) > 0 {
		icon = it.Thumbnails[0].Medium.URL
	}
	return provider.Item{
		ID:          it.ID,
		Name:        it.Name,
		IsFolder:    it.Folder != nil,
		MimeType:    mime,
		Size:        it.Size,
		RequestPath: it.ID,
		Icon:        icon,
	}
}
