package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Destination opens resumable upload sessions against a caller-named
// endpoint. Implementations are registered per protocol name; the relay core
// is tested against fakes.
type Destination interface {
	OpenSession(ctx context.Context, endpoint string, size int64, meta map[string]string) (Session, error)
}

// Session is one in-progress resumable upload.
type Session interface {
	// Offset reports the destination's last acknowledged byte offset.
	Offset(ctx context.Context) (int64, error)
	// Append uploads bytes starting at offset and returns the new offset.
	Append(ctx context.Context, r io.Reader, offset int64, length int64) (int64, error)
	// Finish declares the final length for sessions created with unknown
	// size. No-op when the length was declared at creation.
	Finish(ctx context.Context, total int64) error
	// Abort abandons the partially created upload.
	Abort(ctx context.Context) error
}

const tusVersion = "1.0.0"

// TusDestination speaks the tus resumable upload protocol: creation POST,
// offset-addressed PATCH, HEAD offset query, DELETE termination.
type TusDestination struct {
	httpClient *http.Client
}

// NewTusDestination builds the destination. A nil client means a default
// client without a timeout — uploads are long-lived and cancel via context.
func NewTusDestination(httpClient *http.Client) *TusDestination {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &TusDestination{httpClient: httpClient}
}

func (d *TusDestination) OpenSession(ctx context.Context, endpoint string, size int64, meta map[string]string) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("tus: creating session request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	if size >= 0 {
		req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
	} else {
		req.Header.Set("Upload-Defer-Length", "1")
	}
	if md := encodeMetadata(meta); md != "" {
		req.Header.Set("Upload-Metadata", md)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tus: session creation failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("tus: session creation returned status %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("tus: session creation missing Location header")
	}
	// relative Location resolves against the creation endpoint
	if base := resp.Request.URL; base != nil {
		if ref, perr := url.Parse(loc); perr == nil {
			loc = base.ResolveReference(ref).String()
		}
	}
	return &tusSession{client: d.httpClient, url: loc, sizeKnown: size >= 0}, nil
}

type tusSession struct {
	client    *http.Client
	url       string
	sizeKnown bool
}

func (s *tusSession) Offset(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("tus: creating offset request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tus: offset query failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, fmt.Errorf("tus: offset query returned status %d", resp.StatusCode)
	}
	off, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tus: bad Upload-Offset header: %w", err)
	}
	return off, nil
}

func (s *tusSession) Append(ctx context.Context, r io.Reader, offset, length int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.url, r)
	if err != nil {
		return 0, fmt.Errorf("tus: creating append request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	if length >= 0 {
		req.ContentLength = length
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tus: append failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent {
		return 0, fmt.Errorf("tus: append returned status %d", resp.StatusCode)
	}
	newOff, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tus: bad Upload-Offset header: %w", err)
	}
	return newOff, nil
}

// Finish sends a zero-byte PATCH declaring the final length for
// deferred-length sessions.
func (s *tusSession) Finish(ctx context.Context, total int64) error {
	if s.sizeKnown {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.url, nil)
	if err != nil {
		return fmt.Errorf("tus: creating finish request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Offset", strconv.FormatInt(total, 10))
	req.Header.Set("Upload-Length", strconv.FormatInt(total, 10))
	req.Header.Set("Content-Type", "application/offset+octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("tus: finish failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("tus: finish returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *tusSession) Abort(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return fmt.Errorf("tus: creating abort request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("tus: abort failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("tus: abort returned status %d", resp.StatusCode)
	}
	return nil
}

// encodeMetadata renders the Upload-Metadata header: comma-separated
// "key base64(value)" pairs, sorted for a stable wire form.
func encodeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(pairs, ",")
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
