// Package custom builds provider adapters from YAML declarations instead of
// code. An operator points the gateway at a definitions file; each entry
// names the upstream endpoints and JMESPath expressions that map the
// upstream's JSON onto listing items. This covers in-house storage services
// without a compiled adapter.
package custom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"relaygate/internal/provider"
)

// Definition is one provider entry in the YAML file.
type Definition struct {
	Name     string `yaml:"name"`
	AuthKind string `yaml:"authKind"`
	BaseURL  string `yaml:"baseURL"`

	Auth struct {
		AuthURL      string   `yaml:"authURL"`
		TokenURL     string   `yaml:"tokenURL"`
		ClientID     string   `yaml:"clientID"`
		ClientSecret string   `yaml:"clientSecret"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"auth"`

	// List maps the listing endpoint. Path is a template where {path}
	// substitutes the request path ("root" at the top level).
	List struct {
		Path     string            `yaml:"path"`
		Items    string            `yaml:"items"`    // expression yielding the item array
		Username string            `yaml:"username"` // optional expression on the same response
		Fields   map[string]string `yaml:"fields"`   // id,name,mimeType,size,folder,icon per item
	} `yaml:"list"`

	Stat struct {
		Path string `yaml:"path"` // template with {id}
	} `yaml:"stat"`

	Download struct {
		Path string `yaml:"path"` // template with {id}
	} `yaml:"download"`
}

// File is the top-level YAML document.
type File struct {
	Providers []Definition `yaml:"providers"`
}

// LoadFile parses a definitions file.
func LoadFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("custom: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("custom: parsing %s: %w", path, err)
	}
	return f.Providers, nil
}

// itemExprs holds the compiled per-item field expressions.
type itemExprs struct {
	id, name, mimeType, size, folder, icon *jmespath.JMESPath
}

type Adapter struct {
	def      Definition
	api      *provider.Client
	transfer *provider.Client
	oauth    *oauth2.Config
	items    *jmespath.JMESPath
	username *jmespath.JMESPath
	fields   itemExprs
	log      *zap.SugaredLogger
}

// New compiles a definition into an adapter. Expression errors surface at
// startup, not per request.
func New(def Definition, redirectURL string, timeout time.Duration, log *zap.SugaredLogger) (*Adapter, error) {
	if def.Name == "" || def.BaseURL == "" {
		return nil, fmt.Errorf("custom: definition needs name and baseURL")
	}
	a := &Adapter{
		def:      def,
		api:      provider.NewClient(def.Name, nil, timeout, log),
		transfer: provider.NewClient(def.Name, &http.Client{}, 0, log),
		oauth: &oauth2.Config{
			ClientID:     def.Auth.ClientID,
			ClientSecret: def.Auth.ClientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     oauth2.Endpoint{AuthURL: def.Auth.AuthURL, TokenURL: def.Auth.TokenURL},
			Scopes:       def.Auth.Scopes,
		},
		log: log,
	}

	var err error
	if a.items, err = jmespath.Compile(def.List.Items); err != nil {
		return nil, fmt.Errorf("custom %s: items expression: %w", def.Name, err)
	}
	if def.List.Username != "" {
		if a.username, err = jmespath.Compile(def.List.Username); err != nil {
			return nil, fmt.Errorf("custom %s: username expression: %w", def.Name, err)
		}
	}
	compile := func(key string) (*jmespath.JMESPath, error) {
		expr, ok := def.List.Fields[key]
		if !ok || expr == "" {
			return nil, nil
		}
		return jmespath.Compile(expr)
	}
	for _, f := range []struct {
		key string
		dst **jmespath.JMESPath
	}{
		{"id", &a.fields.id}, {"name", &a.fields.name}, {"mimeType", &a.fields.mimeType},
		{"size", &a.fields.size}, {"folder", &a.fields.folder}, {"icon", &a.fields.icon},
	} {
		if *f.dst, err = compile(f.key); err != nil {
			return nil, fmt.Errorf("custom %s: %s expression: %w", def.Name, f.key, err)
		}
	}
	if a.fields.id == nil || a.fields.name == nil {
		return nil, fmt.Errorf("custom %s: fields.id and fields.name are required", def.Name)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.def.Name }

func (a *Adapter) AuthKind() string {
	if a.def.AuthKind != "" {
		return a.def.AuthKind
	}
	return a.def.Name
}

func (a *Adapter) List(ctx context.Context, creds provider.CredentialSet, path string) (*provider.Listing, error) {
	if path == "" {
		path = "root"
	}
	u := a.def.BaseURL + expand(a.def.List.Path, "{path}", path)
	resp, err := a.api.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("custom %s: decoding list response: %w", a.def.Name, err)
	}

	listing := &provider.Listing{}
	if a.username != nil {
		if v, err := a.username.Search(doc); err == nil {
			listing.Username, _ = v.(string)
		}
	}

	rawItems, err := a.items.Search(doc)
	if err != nil {
		return nil, fmt.Errorf("custom %s: items expression: %w", a.def.Name, err)
	}
	arr, ok := rawItems.([]any)
	if !ok {
		return nil, fmt.Errorf("custom %s: items expression did not yield an array", a.def.Name)
	}
	for _, el := range arr {
		listing.Items = append(listing.Items, a.toItem(el))
	}
	return listing, nil
}

func (a *Adapter) Stat(ctx context.Context, creds provider.CredentialSet, id string) (*provider.Item, error) {
	u := a.def.BaseURL + expand(a.def.Stat.Path, "{id}", id)
	resp, err := a.api.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("custom %s: decoding stat response: %w", a.def.Name, err)
	}
	item := a.toItem(doc)
	return &item, nil
}

func (a *Adapter) Download(ctx context.Context, creds provider.CredentialSet, id string) (io.ReadCloser, int64, error) {
	size := int64(-1)
	if a.def.Stat.Path != "" {
		if item, err := a.Stat(ctx, creds, id); err == nil && item.Size > 0 {
			size = item.Size
		}
	}
	u := a.def.BaseURL + expand(a.def.Download.Path, "{id}", id)
	resp, err := a.transfer.Do(ctx, http.MethodGet, u, creds.AccessToken, nil)
	if err != nil {
		return nil, 0, err
	}
	if size < 0 && resp.ContentLength > 0 {
		size = resp.ContentLength
	}
	return resp.Body, size, nil
}

func (a *Adapter) ExchangeAuthCode(ctx context.Context, code string) (provider.CredentialSet, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("custom %s: code exchange: %w", a.def.Name, err)
	}
	return provider.CredentialSet{
		Provider:     a.def.Name,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func (a *Adapter) Refresh(ctx context.Context, creds provider.CredentialSet) (provider.CredentialSet, error) {
	if creds.RefreshToken == "" {
		return provider.CredentialSet{}, fmt.Errorf("custom %s: no refresh token", a.def.Name)
	}
	src := a.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return provider.CredentialSet{}, fmt.Errorf("custom %s: refresh: %w", a.def.Name, err)
	}
	out := provider.CredentialSet{
		Provider:     a.def.Name,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = creds.RefreshToken
	}
	return out, nil
}

// Revoke is best-effort; declared providers have no standard revocation
// endpoint, so the bundle discard on the client is the logout.
func (a *Adapter) Revoke(ctx context.Context, creds provider.CredentialSet) error {
	return nil
}

func (a *Adapter) toItem(el any) provider.Item {
	get := func(p *jmespath.JMESPath) any {
		if p == nil {
			return nil
		}
		v, err := p.Search(el)
		if err != nil {
			return nil
		}
		return v
	}
	item := provider.Item{}
	item.ID, _ = get(a.fields.id).(string)
	item.Name, _ = get(a.fields.name).(string)
	item.MimeType, _ = get(a.fields.mimeType).(string)
	item.Icon, _ = get(a.fields.icon).(string)
	if b, ok := get(a.fields.folder).(bool); ok {
		item.IsFolder = b
	}
	switch n := get(a.fields.size).(type) {
	case float64:
		item.Size = int64(n)
	case string:
		fmt.Sscan(n, &item.Size)
	}
	item.RequestPath = item.ID
	return item
}

func expand(tmpl, key, val string) string {
	return strings.ReplaceAll(tmpl, key, url.PathEscape(val))
}
