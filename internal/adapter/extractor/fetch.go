package extractor

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cwygoda/gdownloader/internal/domain"
)

// Fetcher opens media URLs as streams.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher. A nil client gets a transport with dial and
// response-header timeouts but no overall timeout, so long downloads are not
// cut off.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   15 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		}
	}
	return &Fetcher{client: client}
}

// Open issues a GET and returns the body with its content length (0 when
// unknown). Non-2xx responses become *domain.ExtractorError classified by
// status code.
func (f *Fetcher) Open(ctx context.Context, mediaURL string, headers map[string]string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, 0, domain.NewPermanent("build media request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, domain.NewTransient("request media", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, 0, domain.HTTPStatusError(resp.StatusCode, "fetch media")
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return resp.Body, size, nil
}
