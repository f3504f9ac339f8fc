// Package throttle bounds aggregate transfer bandwidth with a token
// bucket shared by every concurrent file copy in a run.
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Throttler caps aggregate throughput to a configured bytes-per-second
// budget. The zero-rate Throttler is a no-op and never blocks.
type Throttler struct {
	limiter *rate.Limiter
}

// New creates a Throttler for bytesPerSec. The burst is 1 MB, capped to
// the rate itself for slow budgets, and the bucket starts full so short
// transfers pass without blocking. bytesPerSec <= 0 disables throttling.
func New(bytesPerSec int64) *Throttler {
	if bytesPerSec <= 0 {
		return &Throttler{}
	}
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return &Throttler{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Enabled reports whether a rate is configured.
func (t *Throttler) Enabled() bool {
	return t.limiter != nil
}

// Burst returns the bucket capacity in bytes, 0 when disabled.
func (t *Throttler) Burst() int {
	if t.limiter == nil {
		return 0
	}
	return t.limiter.Burst()
}

// Acquire blocks until n bytes of budget are available or ctx is done.
// Requests larger than the burst are split so any n is acceptable.
func (t *Throttler) Acquire(ctx context.Context, n int) error {
	if t.limiter == nil {
		return nil
	}
	burst := t.limiter.Burst()
	for n > burst {
		if err := t.limiter.WaitN(ctx, burst); err != nil {
			return err
		}
		n -= burst
	}
	if n > 0 {
		return t.limiter.WaitN(ctx, n)
	}
	return nil
}

// Reader wraps r so that reads draw from the shared budget after each
// chunk arrives.
func (t *Throttler) Reader(ctx context.Context, r io.Reader) io.Reader {
	if t.limiter == nil {
		return r
	}
	return &throttledReader{t: t, r: r, ctx: ctx}
}

// Writer wraps w so that writes wait for budget before each chunk goes
// out.
func (t *Throttler) Writer(ctx context.Context, w io.Writer) io.Writer {
	if t.limiter == nil {
		return w
	}
	return &throttledWriter{t: t, w: w, ctx: ctx}
}

type throttledReader struct {
	t   *Throttler
	r   io.Reader
	ctx context.Context
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if waitErr := tr.t.Acquire(tr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

type throttledWriter struct {
	t   *Throttler
	w   io.Writer
	ctx context.Context
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	if err := tw.t.Acquire(tw.ctx, len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}
