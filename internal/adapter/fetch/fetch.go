// Package fetch implements the outbound HTTP contract of spec.md §4.2: a
// single retrying fetch primitive shared by every enrichment worker, with
// status-code-driven retry classification and interruptible backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Response is the outcome of a Fetch call: either a completed HTTP response
// (any status code, including one the caller must still interpret) or a
// "gave up" condition recorded in GaveUp/Err.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	GaveUp     bool
	Err        error
}

// Options configures one Fetch call, mirroring the Python original's
// `fetch(url, headers, params, timeout, max_retries, base_delay, service)`
// signature.
type Options struct {
	Headers    map[string]string
	Params     map[string]string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	// Service selects special-case retry behaviour. ServiceGitHubCodeSearch
	// honours the reset-at rate-limit header instead of exponential backoff.
	Service string
}

// ServiceGitHubCodeSearch is the Options.Service value that triggers the
// GitHub code-search rate-limit special case (spec.md §4.2).
const ServiceGitHubCodeSearch = "github_code_search"

// githubResetHeader is the header GitHub's code-search API returns with the
// Unix timestamp at which the rate-limit window resets.
const githubResetHeader = "X-RateLimit-Reset"

const maxCodeSearchWait = 120 * time.Second
const codeSearchResetPad = 5 * time.Second

// Fetcher issues retrying HTTP requests per spec.md §4.2.
type Fetcher struct {
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New builds a Fetcher using the given base http.Client (or http.DefaultClient
// if nil).
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, sleep: interruptibleSleep, now: time.Now}
}

// Fetch performs a GET request against url with the retry/backoff contract
// of spec.md §4.2. It returns a non-nil *Response even when the fetcher
// gives up; callers distinguish success from exhaustion via Response.GaveUp.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	var last *Response

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", url, err)
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
		if len(opts.Params) > 0 {
			q := req.URL.Query()
			for k, v := range opts.Params {
				q.Set(k, v)
			}
			req.URL.RawQuery = q.Encode()
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		resp, err := f.client.Do(req.WithContext(reqCtx))
		if cancel != nil {
			defer cancel()
		}

		if err != nil {
			if ctx.Err() != nil {
				return &Response{GaveUp: true, Err: ctx.Err()}, ctx.Err()
			}
			last = &Response{GaveUp: true, Err: err}
			if attempt == opts.MaxRetries {
				return last, nil
			}
			if waitErr := f.wait(ctx, nil, opts, attempt); waitErr != nil {
				return &Response{GaveUp: true, Err: waitErr}, waitErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			last = &Response{StatusCode: resp.StatusCode, Header: resp.Header, GaveUp: true, Err: readErr}
			if attempt == opts.MaxRetries {
				return last, nil
			}
			if waitErr := f.wait(ctx, resp.Header, opts, attempt); waitErr != nil {
				return &Response{GaveUp: true, Err: waitErr}, waitErr
			}
			continue
		}

		current := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}

		switch {
		case resp.StatusCode == http.StatusOK:
			return current, nil
		case resp.StatusCode == http.StatusNotFound:
			// Permanent: never retried.
			return current, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			last = current
			if attempt == opts.MaxRetries {
				last.GaveUp = true
				return last, nil
			}
			if waitErr := f.wait(ctx, resp.Header, opts, attempt); waitErr != nil {
				return &Response{GaveUp: true, Err: waitErr}, waitErr
			}
			continue
		default:
			// Any other status is returned as-is without retry.
			return current, nil
		}
	}

	if last == nil {
		last = &Response{GaveUp: true, Err: errors.New("fetch: exhausted retries with no response")}
	}
	last.GaveUp = true
	return last, nil
}

// wait sleeps between retry attempts, honouring the GitHub code-search
// special case when configured.
func (f *Fetcher) wait(ctx context.Context, header http.Header, opts Options, attempt int) error {
	if opts.Service == ServiceGitHubCodeSearch && header != nil {
		if d, ok := resetDelay(header, f.now()); ok {
			return f.sleep(ctx, d)
		}
	}
	delay := opts.BaseDelay * time.Duration(1<<uint(attempt))
	return f.sleep(ctx, delay)
}

// resetDelay computes the GitHub code-search special-case wait: sleep until
// reset+5s, capped at 120s (spec.md §4.2).
func resetDelay(header http.Header, now time.Time) (time.Duration, bool) {
	raw := header.Get(githubResetHeader)
	if raw == "" {
		return 0, false
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	resetAt := time.Unix(epoch, 0)
	wait := resetAt.Sub(now) + codeSearchResetPad
	if wait <= 0 {
		return 0, false
	}
	if wait > maxCodeSearchWait {
		wait = maxCodeSearchWait
	}
	return wait, true
}

// interruptibleSleep sleeps for d or returns ctx.Err() if ctx is cancelled
// first (spec.md §5: "all waits must be interruptible by the enclosing
// cancellation signal").
func interruptibleSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
