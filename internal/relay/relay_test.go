package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaygate/internal/provider"
)

type fakeAdapter struct {
	name    string
	payload []byte
	size    int64
	srcErr  error // when set, the reader fails after half the payload
	block   chan struct{}
}

func (f *fakeAdapter) Name() string     { return f.name }
func (f *fakeAdapter) AuthKind() string { return f.name }
func (f *fakeAdapter) List(context.Context, provider.CredentialSet, string) (*provider.Listing, error) {
	return nil, nil
}
func (f *fakeAdapter) Stat(context.Context, provider.CredentialSet, string) (*provider.Item, error) {
	return nil, nil
}
func (f *fakeAdapter) ExchangeAuthCode(context.Context, string) (provider.CredentialSet, error) {
	return provider.CredentialSet{}, nil
}
func (f *fakeAdapter) Refresh(_ context.Context, c provider.CredentialSet) (provider.CredentialSet, error) {
	return c, nil
}
func (f *fakeAdapter) Revoke(context.Context, provider.CredentialSet) error { return nil }

func (f *fakeAdapter) Download(ctx context.Context, _ provider.CredentialSet, _ string) (io.ReadCloser, int64, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	var r io.Reader = bytes.NewReader(f.payload)
	if f.srcErr != nil {
		r = &failingReader{r: bytes.NewReader(f.payload[:len(f.payload)/2]), err: f.srcErr}
	}
	return io.NopCloser(r), f.size, nil
}

type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

// fakeSession records everything the relay sends it. failuresLeft makes the
// next appends fail after accepting partialOnFail bytes, exercising the
// resume-from-acked-offset path.
type fakeSession struct {
	mu            sync.Mutex
	buf           bytes.Buffer
	failuresLeft  int
	partialOnFail int64
	finishCalls   int
	finishTotal   int64
	aborted       bool
}

func (s *fakeSession) Offset(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.buf.Len()), nil
}

func (s *fakeSession) Append(_ context.Context, r io.Reader, offset, _ int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset != int64(s.buf.Len()) {
		return 0, fmt.Errorf("offset %d does not match stored %d", offset, s.buf.Len())
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		_, _ = io.CopyN(&s.buf, r, s.partialOnFail)
		return 0, errors.New("transient destination failure")
	}
	if _, err := io.Copy(&s.buf, r); err != nil {
		return 0, err
	}
	return int64(s.buf.Len()), nil
}

func (s *fakeSession) Finish(_ context.Context, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishCalls++
	s.finishTotal = total
	return nil
}

func (s *fakeSession) Abort(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *fakeSession) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

type fakeDest struct {
	session  *fakeSession
	openErr  error
	gotSize  int64
	gotMeta  map[string]string
	endpoint string
}

func (d *fakeDest) OpenSession(_ context.Context, endpoint string, size int64, meta map[string]string) (Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.endpoint = endpoint
	d.gotSize = size
	d.gotMeta = meta
	return d.session, nil
}

func testRelay(t *testing.T, adapter provider.Adapter, dest Destination) (*Relay, JobStore) {
	t.Helper()
	jobs := NewMemoryJobs()
	reg := provider.NewRegistry(adapter)
	rl := New(reg, jobs, map[string]Destination{"tus": dest}, 4, zap.NewNop().Sugar(), nil)
	t.Cleanup(rl.Shutdown)
	return rl, jobs
}

func waitStatus(t *testing.T, jobs JobStore, token string, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = jobs.Get(context.Background(), token)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s (last: %+v)", want, job)
	return job
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestRelay_SuccessfulTransfer(t *testing.T) {
	payload := randomPayload(t, 64*1024)
	adapter := &fakeAdapter{name: "drive", payload: payload, size: int64(len(payload))}
	session := &fakeSession{}
	dest := &fakeDest{session: session}
	rl, jobs := testRelay(t, adapter, dest)

	token, err := rl.Start(context.Background(), Request{
		Provider: "drive",
		FileID:   "file-1",
		Endpoint: "https://uploads.test/files",
		Protocol: "tus",
	}, provider.CredentialSet{AccessToken: "tok"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	job := waitStatus(t, jobs, token, StatusDone)
	assert.Equal(t, int64(len(payload)), job.Bytes)
	assert.Empty(t, job.Error)
	assert.Equal(t, payload, session.bytes())
	assert.Equal(t, int64(len(payload)), dest.gotSize)
	assert.Equal(t, "https://uploads.test/files", dest.endpoint)
	assert.Equal(t, "drive", dest.gotMeta["provider"])
	assert.Equal(t, "file-1", dest.gotMeta["fileId"])
	assert.Equal(t, 1, session.finishCalls)
	assert.Equal(t, int64(len(payload)), session.finishTotal)
}

func TestRelay_StartDoesNotBlockOnTransfer(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{name: "drive", payload: []byte("hi"), size: 2, block: block}
	session := &fakeSession{}
	rl, jobs := testRelay(t, adapter, &fakeDest{session: session})

	done := make(chan string, 1)
	go func() {
		token, err := rl.Start(context.Background(), Request{
			Provider: "drive", FileID: "f", Endpoint: "https://u.test", Protocol: "tus",
		}, provider.CredentialSet{})
		require.NoError(t, err)
		done <- token
	}()

	var token string
	select {
	case token = <-done:
	case <-time.After(time.Second):
		t.Fatal("Start blocked on the transfer")
	}

	close(block)
	waitStatus(t, jobs, token, StatusDone)
}

func TestRelay_SourceFailure_AbortsSession(t *testing.T) {
	payload := randomPayload(t, 8*1024)
	adapter := &fakeAdapter{name: "drive", payload: payload, size: int64(len(payload)), srcErr: errors.New("upstream hung up")}
	session := &fakeSession{}
	rl, jobs := testRelay(t, adapter, &fakeDest{session: session})

	token, err := rl.Start(context.Background(), Request{
		Provider: "drive", FileID: "f", Endpoint: "https://u.test", Protocol: "tus",
	}, provider.CredentialSet{})
	require.NoError(t, err)

	job := waitStatus(t, jobs, token, StatusFailed)
	assert.Contains(t, job.Error, "upstream hung up")
	session.mu.Lock()
	aborted := session.aborted
	session.mu.Unlock()
	assert.True(t, aborted, "partial upload must be abandoned")
}

func TestRelay_TransientDestinationFailure_Resumes(t *testing.T) {
	payload := randomPayload(t, 32*1024)
	adapter := &fakeAdapter{name: "drive", payload: payload, size: int64(len(payload))}
	// first append accepts 10k then fails; the retry must continue from
	// the acknowledged offset, not resend from zero
	session := &fakeSession{failuresLeft: 1, partialOnFail: 10 * 1024}
	rl, jobs := testRelay(t, adapter, &fakeDest{session: session})

	token, err := rl.Start(context.Background(), Request{
		Provider: "drive", FileID: "f", Endpoint: "https://u.test", Protocol: "tus",
	}, provider.CredentialSet{})
	require.NoError(t, err)

	job := waitStatus(t, jobs, token, StatusDone)
	assert.Equal(t, int64(len(payload)), job.Bytes)
	assert.Equal(t, payload, session.bytes())
}

func TestRelay_PersistentDestinationFailure_FailsJob(t *testing.T) {
	payload := randomPayload(t, 1024)
	adapter := &fakeAdapter{name: "drive", payload: payload, size: int64(len(payload))}
	session := &fakeSession{failuresLeft: destRetries + 1}
	rl, jobs := testRelay(t, adapter, &fakeDest{session: session})

	token, err := rl.Start(context.Background(), Request{
		Provider: "drive", FileID: "f", Endpoint: "https://u.test", Protocol: "tus",
	}, provider.CredentialSet{})
	require.NoError(t, err)

	job := waitStatus(t, jobs, token, StatusFailed)
	assert.Contains(t, job.Error, "destination failed")
}

func TestRelay_OpenSessionFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "drive", payload: []byte("x"), size: 1}
	rl, jobs := testRelay(t, adapter, &fakeDest{openErr: errors.New("endpoint refused")})

	token, err := rl.Start(context.Background(), Request{
		Provider: "drive", FileID: "f", Endpoint: "https://u.test", Protocol: "tus",
	}, provider.CredentialSet{})
	require.NoError(t, err)

	job := waitStatus(t, jobs, token, StatusFailed)
	assert.Contains(t, job.Error, "endpoint refused")
}

func TestStart_UnsupportedProtocol(t *testing.T) {
	rl, _ := testRelay(t, &fakeAdapter{name: "drive"}, &fakeDest{session: &fakeSession{}})

	_, err := rl.Start(context.Background(), Request{
		Provider: "drive", FileID: "f", Endpoint: "https://u.test", Protocol: "multipart",
	}, provider.CredentialSet{})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestStart_MissingEndpoint(t *testing.T) {
	rl, _ := testRelay(t, &fakeAdapter{name: "drive"}, &fakeDest{session: &fakeSession{}})

	_, err := rl.Start(context.Background(), Request{
		Provider: "drive", FileID: "f", Protocol: "tus",
	}, provider.CredentialSet{})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestStart_UnknownProvider(t *testing.T) {
	rl, _ := testRelay(t, &fakeAdapter{name: "drive"}, &fakeDest{session: &fakeSession{}})

	_, err := rl.Start(context.Background(), Request{
		Provider: "box", FileID: "f", Endpoint: "https://u.test", Protocol: "tus",
	}, provider.CredentialSet{})
	assert.ErrorIs(t, err, provider.ErrUnknown)
}

func TestMemoryJobs_UnknownToken(t *testing.T) {
	jobs := NewMemoryJobs()
	_, err := jobs.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, jobs.SetStatus(context.Background(), "nope", StatusDone, 0, ""), ErrJobNotFound)
}
