// Package drive adapts a Google-Drive-style API onto the provider interface.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"relaygate/internal/provider"
)

const (
	defaultBaseURL   = "https://www.googleapis.com/drive/v3"
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

	folderMimeType = "application/vnd.google-apps.folder"

	// sharedRoot is the id and request path of the virtual folder exposing
	// items shared with the user. It is not a real upstream object.
	sharedRoot = "shared-with-me"

	listFields = "files(id,name,mimeType,size,iconLink,thumbnailLink),nextPageToken"
	itemFields = "id,name,mimeType,size,iconLink,thumbnailLink"
)

// Options configures the adapter. BaseURL/RevokeURL/Endpoint default to the
// public Google endpoints and are overridden in tests.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BaseURL      string
	RevokeURL    string
	Endpoint     oauth2.Endpoint
	Timeout      time.Duration
	Log          *zap.SugaredLogger
}

type Adapter struct {
	api       *provider.Client // metadata calls, bounded timeout
	transfer  *provider.Client // download streams, no timeout
	baseURL   string
	revokeURL string
	oauth     *oauth2.Config
	log       *zap.SugaredLogger
}

func New(opts Options) *Adapter {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	revoke := opts.RevokeURL
	if revoke == "" {
		revoke = defaultRevokeURL
	}
	endpoint := opts.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		}
	}
	return &Adapter{
		api:       provider.NewClient("drive", nil, opts.Timeout, opts.Log),
		transfer:  provider.NewClient("drive", &http.Client{}, 0, opts.Log),
		baseURL:   strings.TrimRight(base, "/"),
		revokeURL: revoke,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/drive.readonly"},
		},
		log: opts.Log,
	}
}

func (a *Adapter) Name() string     { return "drive" }
func (a *Adapter) AuthKind() string { return "google" }

// driveFile is the subset of the upstream file resource the gateway uses.
type driveFile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	Size          string `json:"size"` // upstream sends int64 as string
	IconLink      string `json:"iconLink"`
	ThumbnailLink string `json:"thumbnailLink"`
}

type listResponse struct {
	Files []driveFile `json:"files"`
}

type aboutResponse struct {
	User struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"user"`
}

// List returns the entries under path. The root listing is prefixed with the
// virtual shared-items folder; its field values are fixed, not derived from
// any upstream response.
func (a *Adapter) List(ctx context.Context, creds provider.CredentialSet, path string) (*provider.Listing, error) {
	username, err := a.username(ctx, creds)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("fields", listFields)
	root := path == "" || path == "root"
	switch {
	case root:
		q.Set("q", "'root' in parents and trashed=false")
	case path == sharedRoot:
		q.Set("q", "sharedWithMe and trashed=false")
	default:
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", path))
	}

	resp, err := a.api.Do(ctx, http.MethodGet, a.baseURL+"/files?"+q.Encode(), creds.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("drive: decoding list response: %w", err)
	}

	listing := &provider.Listing{Username: username}
	if root {
		listing.Items = append(listing.Items, provider.Item{
			ID:          sharedRoot,
			Name:        "Shared with me",
			IsFolder:    true,
			MimeType:    folderMimeType,
			RequestPath: sharedRoot,
			Icon:        "folder",
		})
	}
	for _, f := range lr.Files {
		listing.Items = append(listing.Items, toItem(f))
	}
	return listing, nil
}

func (a *Adapter) Stat(ctx context.Context, creds provider.CredentialSet, id string) (*provider.Item, error) {
	u := fmt.Sprintf("%s/files/%s?fields=%s", a.baseURL, url.PathEscape(id), url.QueryEscape(itemFields))
	resp, err := a.api.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var f driveFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("drive: decoding file metadata: %w", err)
	}
	item := toItem(f)
	return &item, nil
}

// Download opens the file content stream. The declared size comes from a
// metadata call ahead of the stream so the destination can pre-allocate.
func (a *Adapter) Download(ctx context.Context, creds provider.CredentialSet, id string) (io.ReadCloser, int64, error) {
	item, err := a.Stat(ctx, creds, id)
	if err != nil {
		return nil, 0, err
	}

	u := fmt.Sprintf("%s/files/%s?alt=media", a.baseURL, url.PathEscape(id))
	resp, err := a.transfer.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, 0, err
	}

	size := item.Size
	if size == 0 {
		size = -1 // Docs-native formats report no size
	}
	return resp.Body, size, nil
}

func (a *Adapter) ExchangeAuthCode(ctx context.Context, code string) (provider.CredentialSet, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("drive: code exchange: %w", err)
	}
	return credsFromToken(a.Name(), tok), nil
}

func (a *Adapter) Refresh(ctx context.Context, creds provider.CredentialSet) (provider.CredentialSet, error) {
	if creds.RefreshToken == "" {
		return provider.CredentialSet{}, fmt.Errorf("drive: no refresh token")
	}
	src := a.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute), // force refresh
	})
	tok, err := src.Token()
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("drive: refresh: %w", err)
	}
	out := credsFromToken(a.Name(), tok)
	if out.RefreshToken == "" {
		out.RefreshToken = creds.RefreshToken
	}
	return out, nil
}

func (a *Adapter) Revoke(ctx context.Context, creds provider.CredentialSet) error {
	u := a.revokeURL + "?token=" + url.QueryEscape(creds.AccessToken)
	resp, err := a.api.Do(ctx, http.MethodPost, u, "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *Adapter) username(ctx context.Context, creds provider.CredentialSet) (string, error) {
	resp, err := a.api.Do(ctx, http.MethodGet, a.baseURL+"/about?fields=user", creds.AccessToken, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var ar aboutResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("drive: decoding about response: %w", err)
	}
	return ar.User.EmailAddress, nil
}

func toItem(f driveFile) provider.Item {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	icon := f.ThumbnailLink
	if icon == "" {
		icon = f.IconLink
	}
	return provider.Item{
		ID:          f.ID,
		Name:        f.Name,
		IsFolder:    f.MimeType == folderMimeType,
		MimeType:    f.MimeType,
		Size:        size,
		RequestPath: f.ID,
		Icon:        icon,
	}
}

func credsFromToken(providerName string, tok *oauth2.Token) provider.CredentialSet {
	return provider.CredentialSet{
		Provider:     providerName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
