package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"relaygate/internal/provider"
)

// chunkSize bounds relay memory per transfer: bytes are forwarded in chunks
// of this size, never buffering the whole file.
const chunkSize = 4 << 20

// destRetries bounds per-chunk retransmissions after transient destination
// failures before the job is marked failed.
const destRetries = 3

// Request names the source and destination of one transfer.
type Request struct {
	Provider string
	FileID   string
	Endpoint string
	Protocol string
}

// Relay runs transfers on background goroutines, bounded by a weighted
// semaphore. Start never blocks on the transfer itself.
type Relay struct {
	reg   *provider.Registry
	jobs  JobStore
	dests map[string]Destination

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.SugaredLogger

	transfers  *prometheus.CounterVec
	bytesTotal prometheus.Counter
}

// New builds a relay. dests maps protocol names ("tus") to destination
// implementations. maxConcurrent bounds in-flight transfers.
func New(reg *provider.Registry, jobs JobStore, dests map[string]Destination, maxConcurrent int64, log *zap.SugaredLogger, prom prometheus.Registerer) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		reg:    reg,
		jobs:   jobs,
		dests:  dests,
		sem:    semaphore.NewWeighted(maxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_transfers_total",
			Help: "Completed transfers by outcome.",
		}, []string{"status"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaygate_transfer_bytes_total",
			Help: "Bytes relayed to destinations.",
		}),
	}
	if prom != nil {
		prom.MustRegister(r.transfers, r.bytesTotal)
	}
	return r
}

// Start validates the request, records a pending job, and kicks off the
// background transfer. It returns the job token immediately; failures after
// this point land on the job, not on the caller.
func (r *Relay) Start(ctx context.Context, req Request, creds provider.CredentialSet) (string, error) {
	adapter, err := r.reg.Resolve(req.Provider)
	if err != nil {
		return "", err
	}
	dest, ok := r.dests[req.Protocol]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadRequest, req.Protocol)
	}
	if req.Endpoint == "" {
		return "", fmt.Errorf("%w: missing destination endpoint", ErrBadRequest)
	}

	token := uuid.NewString()
	job := Job{
		Token:    token,
		Provider: req.Provider,
		FileID:   req.FileID,
		Endpoint: req.Endpoint,
		Protocol: req.Protocol,
		Status:   StatusPending,
	}
	if err := r.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("relay: recording job: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// The transfer outlives the initiating request, so it runs on the
		// relay's own context and dies only on shutdown.
		r.run(r.ctx, adapter, dest, job, creds)
	}()

	r.log.Infow("transfer accepted", "token", token, "provider", req.Provider, "file", req.FileID)
	return token, nil
}

// Shutdown cancels in-flight transfers and waits for their goroutines so no
// download or upload connection leaks.
func (r *Relay) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context, adapter provider.Adapter, dest Destination, job Job, creds provider.CredentialSet) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.fail(job.Token, 0, fmt.Errorf("relay: canceled before start: %w", err))
		return
	}
	defer r.sem.Release(1)

	_ = r.jobs.SetStatus(ctx, job.Token, StatusRunning, 0, "")

	src, size, err := adapter.Download(ctx, creds, job.FileID)
	if err != nil {
		r.fail(job.Token, 0, err)
		return
	}
	defer src.Close()

	session, err := dest.OpenSession(ctx, job.Endpoint, size, map[string]string{
		"provider": job.Provider,
		"fileId":   job.FileID,
	})
	if err != nil {
		r.fail(job.Token, 0, err)
		return
	}

	copied, err := r.pump(ctx, src, session)
	if err != nil {
		// Source failure abandons the partial upload rather than silently
		// restarting the whole transfer.
		_ = session.Abort(ctx)
		r.fail(job.Token, copied, err)
		return
	}
	if err := session.Finish(ctx, copied); err != nil {
		r.fail(job.Token, copied, err)
		return
	}

	_ = r.jobs.SetStatus(context.WithoutCancel(ctx), job.Token, StatusDone, copied, "")
	r.transfers.WithLabelValues(string(StatusDone)).Inc()
	r.log.Infow("transfer complete", "token", job.Token, "bytes", copied)
}

// pump forwards bytes chunk by chunk. Each chunk sits in memory so a
// transient destination failure can be retried from the destination's last
// acknowledged offset without rewinding the source.
func (r *Relay) pump(ctx context.Context, src io.Reader, session Session) (int64, error) {
	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			newOff, err := r.sendChunk(ctx, session, buf[:n], offset)
			if err != nil {
				return offset, err
			}
			r.bytesTotal.Add(float64(newOff - offset))
			offset = newOff
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return offset, nil
		}
		if readErr != nil {
			return offset, fmt.Errorf("relay: reading source: %w", readErr)
		}
	}
}

// sendChunk appends one chunk, resuming from the destination's acknowledged
// offset on transient failure.
func (r *Relay) sendChunk(ctx context.Context, session Session, chunk []byte, offset int64) (int64, error) {
	end := offset + int64(len(chunk))
	var lastErr error
	for attempt := 0; attempt <= destRetries; attempt++ {
		if ctx.Err() != nil {
			return offset, ctx.Err()
		}
		if attempt > 0 {
			acked, err := session.Offset(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			if acked >= end {
				return acked, nil
			}
			if acked < offset || acked > end {
				return offset, fmt.Errorf("relay: destination offset %d outside chunk window [%d,%d]", acked, offset, end)
			}
			chunk = chunk[acked-offset:]
			offset = acked
		}
		newOff, err := session.Append(ctx, bytes.NewReader(chunk), offset, int64(len(chunk)))
		if err == nil {
			return newOff, nil
		}
		lastErr = err
		r.log.Warnw("chunk append failed, retrying", "offset", offset, "attempt", attempt+1, "err", err)
	}
	return offset, fmt.Errorf("relay: destination failed after %d retries: %w", destRetries, lastErr)
}

func (r *Relay) fail(token string, bytes int64, err error) {
	// Status writes must survive relay shutdown cancellation.
	_ = r.jobs.SetStatus(context.Background(), token, StatusFailed, bytes, err.Error())
	r.transfers.WithLabelValues(string(StatusFailed)).Inc()
	r.log.Warnw("transfer failed", "token", token, "err", err)
}
