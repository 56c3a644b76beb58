package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tusServer is a minimal in-memory tus endpoint for exercising the client
// side of the protocol.
type tusServer struct {
	mu       sync.Mutex
	uploads  map[string]*tusUpload
	next     int
	creation http.Header // headers seen on the last creation POST
}

type tusUpload struct {
	data     []byte
	length   int64 // -1 while deferred
	deleted  bool
	metadata string
}

func newTusServer() *tusServer {
	return &tusServer{uploads: map[string]*tusUpload{}}
}

func (s *tusServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if r.Header.Get("Tus-Resumable") != tusVersion {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}

		if r.Method == http.MethodPost && r.URL.Path == "/files" {
			s.creation = r.Header.Clone()
			up := &tusUpload{length: -1, metadata: r.Header.Get("Upload-Metadata")}
			if v := r.Header.Get("Upload-Length"); v != "" {
				up.length, _ = strconv.ParseInt(v, 10, 64)
			} else if r.Header.Get("Upload-Defer-Length") != "1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.next++
			id := "up" + strconv.Itoa(s.next)
			s.uploads[id] = up
			// relative Location, as real servers commonly send
			w.Header().Set("Location", "/files/" + id)
			w.WriteHeader(http.StatusCreated)
			return
		}

		id := r.URL.Path[len("/files/"):]
		up, ok := s.uploads[id]
		if !ok || up.deleted {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Upload-Offset", strconv.Itoa(len(up.data)))
			w.WriteHeader(http.StatusOK)
		case http.MethodPatch:
			off, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
			if err != nil || off != int64(len(up.data)) {
				w.WriteHeader(http.StatusConflict)
				return
			}
			if v := r.Header.Get("Upload-Length"); v != "" && up.length < 0 {
				up.length, _ = strconv.ParseInt(v, 10, 64)
			}
			body, _ := io.ReadAll(r.Body)
			up.data = append(up.data, body...)
			w.Header().Set("Upload-Offset", strconv.Itoa(len(up.data)))
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			up.deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func TestTus_KnownLengthUpload(t *testing.T) {
	server := newTusServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	dest := NewTusDestination(ts.Client())
	payload := []byte("the quick brown fox")
	ctx := context.Background()

	session, err := dest.OpenSession(ctx, ts.URL+"/files", int64(len(payload)), map[string]string{
		"provider": "drive",
		"fileId":   "abc",
	})
	require.NoError(t, err)

	assert.Equal(t, strconv.Itoa(len(payload)), server.creation.Get("Upload-Length"))
	assert.Empty(t, server.creation.Get("Upload-Defer-Length"))
	// sorted pairs, values base64
	assert.Equal(t, "fileId YWJj,provider ZHJpdmU=", server.creation.Get("Upload-Metadata"))

	half := len(payload) / 2
	off, err := session.Append(ctx, bytes.NewReader(payload[:half]), 0, int64(half))
	require.NoError(t, err)
	assert.Equal(t, int64(half), off)

	off, err = session.Append(ctx, bytes.NewReader(payload[half:]), off, int64(len(payload)-half))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), off)

	// known length: Finish is a no-op
	require.NoError(t, session.Finish(ctx, int64(len(payload))))

	server.mu.Lock()
	up := server.uploads["up1"]
	server.mu.Unlock()
	assert.Equal(t, payload, up.data)
	assert.Equal(t, int64(len(payload)), up.length)
}

func TestTus_DeferredLengthUpload(t *testing.T) {
	server := newTusServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	dest := NewTusDestination(ts.Client())
	payload := []byte("streamed without a size")
	ctx := context.Background()

	session, err := dest.OpenSession(ctx, ts.URL+"/files", -1, nil)
	require.NoError(t, err)

	assert.Equal(t, "1", server.creation.Get("Upload-Defer-Length"))
	assert.Empty(t, server.creation.Get("Upload-Length"))

	off, err := session.Append(ctx, bytes.NewReader(payload), 0, int64(len(payload)))
	require.NoError(t, err)

	require.NoError(t, session.Finish(ctx, off))

	server.mu.Lock()
	up := server.uploads["up1"]
	server.mu.Unlock()
	assert.Equal(t, payload, up.data)
	assert.Equal(t, int64(len(payload)), up.length, "deferred length must be declared on finish")
}

func TestTus_OffsetQuery(t *testing.T) {
	server := newTusServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	dest := NewTusDestination(ts.Client())
	ctx := context.Background()

	session, err := dest.OpenSession(ctx, ts.URL+"/files", 10, nil)
	require.NoError(t, err)

	off, err := session.Offset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	_, err = session.Append(ctx, bytes.NewReader([]byte("12345")), 0, 5)
	require.NoError(t, err)

	off, err = session.Offset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)
}

func TestTus_OffsetConflict(t *testing.T) {
	server := newTusServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	dest := NewTusDestination(ts.Client())
	ctx := context.Background()

	session, err := dest.OpenSession(ctx, ts.URL+"/files", 10, nil)
	require.NoError(t, err)

	_, err = session.Append(ctx, bytes.NewReader([]byte("abc")), 7, 3)
	assert.ErrorContains(t, err, "409")
}

func TestTus_Abort(t *testing.T) {
	server := newTusServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	dest := NewTusDestination(ts.Client())
	ctx := context.Background()

	session, err := dest.OpenSession(ctx, ts.URL+"/files", 10, nil)
	require.NoError(t, err)
	require.NoError(t, session.Abort(ctx))

	// the upload is gone; a second abort hitting 404 is still fine
	require.NoError(t, session.Abort(ctx))

	_, err = session.Offset(ctx)
	assert.Error(t, err)
}

func TestTus_CreationFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	dest := NewTusDestination(ts.Client())
	_, err := dest.OpenSession(context.Background(), ts.URL+"/files", 10, nil)
	assert.ErrorContains(t, err, "503")
}

func TestTus_MissingLocation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	dest := NewTusDestination(ts.Client())
	_, err := dest.OpenSession(context.Background(), ts.URL+"/files", 10, nil)
	assert.ErrorContains(t, err, "Location")
}

func TestEncodeMetadata(t *testing.T) {
	assert.Empty(t, encodeMetadata(nil))
	assert.Equal(t, "name aGkudHh0", encodeMetadata(map[string]string{"name": "hi.txt"}))
}
