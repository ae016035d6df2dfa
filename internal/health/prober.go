package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a probe when the registry leaves timeout_ms unset.
const DefaultTimeout = 3 * time.Second

// Result is the outcome of a single probe tick.
type Result struct {
	Healthy      bool
	StatusCode   int
	ResponseTime time.Duration
	Timeout      bool
	Err          error
	CheckedAt    time.Time
}

// Prober performs bounded-timeout HTTP GET probes against service health
// endpoints. One Prober is shared across all supervision actors; each probe
// carries its own per-service timeout so a slow endpoint cannot stall others.
type Prober struct {
	client *http.Client
}

func NewProber() *Prober {
	// Per-probe deadlines come from context; the transport-level caps are a
	// backstop against connections that never progress.
	return &Prober{client: &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   2,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}}
}

// Probe issues one GET against endpoint, bounded by timeout. Any transport
// error, timeout, or non-2xx status yields an unhealthy result; the error is
// preserved for status reporting.
func (p *Prober) Probe(ctx context.Context, endpoint string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	res := Result{CheckedAt: started}

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, endpoint, nil)
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := p.client.Do(req)
	res.ResponseTime = time.Since(started)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || cctx.Err() != nil {
			res.Timeout = true
			res.Err = fmt.Errorf("health check timed out after %s", timeout)
		} else {
			res.Err = err
		}
		return res
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Healthy = true
	} else {
		res.Err = fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return res
}
