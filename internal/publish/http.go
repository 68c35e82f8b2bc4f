package publish

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"recon/pkg/backoff"
	"recon/pkg/circuitbreaker"
)

// HTTPPublisher PUTs each file to <base>/<runID>/<name>.
type HTTPPublisher struct {
	base    string
	client  *http.Client
	retry   backoff.Policy
	breaker *circuitbreaker.Breaker
}

// NewHTTPPublisher returns a publisher for base. Server errors are retried
// with policy; repeated failures stop the remaining uploads early.
func NewHTTPPublisher(base string, timeout time.Duration, policy backoff.Policy) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPPublisher{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		retry:   policy,
		breaker: circuitbreaker.New(circuitbreaker.Config{Threshold: 3, Cooldown: time.Minute}),
	}
}

func (p *HTTPPublisher) Target() string { return "http" }

func (p *HTTPPublisher) Publish(ctx context.Context, runID string, files map[string]string) (map[string]string, error) {
	locations := make(map[string]string, len(files))
	for _, name := range sortedNames(files) {
		file := files[name]
		url := p.base + "/" + objectKey("", runID, file)
		err := p.breaker.Do(func() error {
			return backoff.Retry(ctx, p.retry, func(ctx context.Context) error {
				return p.put(ctx, url, file)
			}, nil)
		})
		if err != nil {
			return locations, fmt.Errorf("upload %s: %w", name, err)
		}
		locations[name] = url
	}
	return locations, nil
}

func (p *HTTPPublisher) put(ctx context.Context, url, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType(file))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
}
