// Package gateway is the HTTP façade: it decrypts the credential bundle,
// resolves the provider, and dispatches to listing, transfer, and OAuth
// components.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"relaygate/internal/authtoken"
	"relaygate/internal/oauth"
	"relaygate/internal/provider"
	"relaygate/internal/relay"
	"relaygate/pkg/config"
)

type Handler struct {
	cfg    config.Config
	codec  *authtoken.Codec
	reg    *provider.Registry
	bridge *oauth.Bridge
	relay  *relay.Relay
	jobs   relay.JobStore
	log    *zap.SugaredLogger
}

func NewHandler(cfg config.Config, codec *authtoken.Codec, reg *provider.Registry, bridge *oauth.Bridge, rl *relay.Relay, jobs relay.JobStore, log *zap.SugaredLogger) *Handler {
	return &Handler{cfg: cfg, codec: codec, reg: reg, bridge: bridge, relay: rl, jobs: jobs, log: log}
}

// Routes mounts the verb surface. The provider segment is resolved before
// any adapter call; bad segments and bad tokens never reach an adapter.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/transfers/{token}", h.transferStatus)
	r.Route("/{provider}", func(r chi.Router) {
		r.Get("/list", h.list)
		r.Get("/list/*", h.list)
		r.Post("/get/{id}", h.get)
		r.Get("/connect", h.connect)
		r.Get("/callback", h.callback)
		r.Get("/logout", h.logout)
		r.Get("/logout/", h.logout)
	})
}

// bundle decodes the auth header. Failure means the request never reaches a
// provider adapter.
func (h *Handler) bundle(r *http.Request) (authtoken.Bundle, error) {
	raw := r.Header.Get(h.cfg.AuthHeader)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %s header", authtoken.ErrInvalid, h.cfg.AuthHeader)
	}
	return h.codec.Decode(raw)
}

// adapterAndCreds runs the common prologue: decode bundle, resolve provider,
// extract exactly that provider's credentials.
func (h *Handler) adapterAndCreds(r *http.Request) (provider.Adapter, provider.CredentialSet, error) {
	bundle, err := h.bundle(r)
	if err != nil {
		return nil, provider.CredentialSet{}, err
	}
	name := chi.URLParam(r, "provider")
	adapter, err := h.reg.Resolve(name)
	if err != nil {
		return nil, provider.CredentialSet{}, err
	}
	creds, err := h.codec.CredentialFor(bundle, name)
	if err != nil {
		return nil, provider.CredentialSet{}, err
	}
	return adapter, creds, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	adapter, creds, err := h.adapterAndCreds(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	listing, err := adapter.List(r.Context(), creds, chi.URLParam(r, "*"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if listing.Items == nil {
		listing.Items = []provider.Item{}
	}
	writeJSON(w, listing, http.StatusOK)
}

type getBody struct {
	Endpoint string `json:"endpoint"`
	Protocol string `json:"protocol"`
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	adapter, creds, err := h.adapterAndCreds(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var body getBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	token, err := h.relay.Start(r.Context(), relay.Request{
		Provider: adapter.Name(),
		FileID:   chi.URLParam(r, "id"),
		Endpoint: body.Endpoint,
		Protocol: body.Protocol,
	}, creds)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"token": token}, http.StatusOK)
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	if _, err := h.bundle(r); err != nil {
		h.writeError(w, err)
		return
	}
	target, err := h.bridge.Connect(r.Context(), chi.URLParam(r, "provider"), r.URL.RawQuery)
	if err != nil {
		h.writeError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// callbackPage notifies the opener window and hands it the refreshed bundle.
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head><body>
<script>
  if (window.opener) {
    window.opener.postMessage({token: {{.Token}}}, "*");
    window.close();
  }
</script>
<p>Connected. You can close this window.</p>
</body></html>`))

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	creds, err := h.bridge.Callback(r.Context(), r.URL.Query().Get("state"), r.URL.Query().Get("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	// The browser redirect carries no auth header; start from the presented
	// bundle when there is one, else from an empty mapping.
	bundle, err := h.bundle(r)
	if err != nil {
		bundle = authtoken.Bundle{}
	}
	bundle[creds.Provider] = creds
	token, err := h.codec.Encode(bundle)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackPage.Execute(w, map[string]string{"Token": token}); err != nil {
		h.log.Errorw("rendering callback page", "err", err)
	}
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	adapter, creds, err := h.adapterAndCreds(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.bridge.Logout(r.Context(), adapter, creds)
	writeJSON(w, map[string]bool{"ok": true}, http.StatusOK)
}

func (h *Handler) transferStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := h.bundle(r); err != nil {
		h.writeError(w, err)
		return
	}
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, job, http.StatusOK)
}

// writeError maps the error taxonomy onto HTTP statuses. Upstream provider
// failures carry enough detail to tell "missing upstream" from "upstream
// unavailable".
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrUnknown), errors.Is(err, relay.ErrJobNotFound):
		writeJSON(w, map[string]string{"error": "not found"}, http.StatusNotFound)
	case errors.Is(err, authtoken.ErrInvalid), errors.Is(err, authtoken.ErrExpired):
		writeJSON(w, map[string]string{"error": "unauthorized"}, http.StatusUnauthorized)
	case errors.Is(err, oauth.ErrStateInvalid), errors.Is(err, oauth.ErrStateExpired), errors.Is(err, oauth.ErrStateReplayed):
		writeJSON(w, map[string]string{"error": "authentication rejected"}, http.StatusUnauthorized)
	case errors.Is(err, relay.ErrBadRequest):
		writeJSON(w, map[string]string{"error": err.Error()}, http.StatusBadRequest)
	default:
		var perr *provider.Error
		if errors.As(err, &perr) {
			kind := "upstream unavailable"
			if errors.Is(perr, provider.ErrNotFound) {
				kind = "not found upstream"
			}
			h.log.Warnw("upstream failure", "provider", perr.Provider, "status", perr.StatusCode, "err", err)
			writeJSON(w, map[string]any{"error": kind, "upstreamStatus": perr.StatusCode}, http.StatusBadGateway)
			return
		}
		h.log.Errorw("request failed", "err", err)
		writeJSON(w, map[string]string{"error": "internal error"}, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
