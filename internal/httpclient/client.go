// Package httpclient builds the proxy-free HTTP clients used for both the
// coordinator API and raw portal calls, plus JSON helpers that apply the
// standard retry contract.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	agenterrors "dpagent/internal/errors"
	"dpagent/internal/logging"
	"dpagent/internal/retry"
)

const (
	connectTimeout = 10 * time.Second
	// APITimeout bounds coordinator and portal JSON calls.
	APITimeout = 30 * time.Second
	// DownloadTimeout bounds artifact downloads.
	DownloadTimeout = 120 * time.Second
)

// New returns a client with an explicit connect timeout and no proxy: the
// portal rejects datacenter proxies and the coordinator is reached directly.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = APITimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: nil, // never honour proxy env
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   connectTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Requester issues JSON requests with retries. It is shared by the
// coordinator and portal clients.
type Requester struct {
	Client *http.Client
	Policy retry.Policy
	Logger logging.Logger
}

// NewRequester builds a Requester around a fresh API-timeout client.
func NewRequester(logger logging.Logger) *Requester {
	logger = logging.OrNop(logger)
	return &Requester{
		Client: New(APITimeout),
		Policy: retry.Policy{Logger: logger},
		Logger: logger,
	}
}

// PostJSON posts body as JSON and decodes the response into out (when out is
// non-nil). Transport failures and 5xx/429 are retried per the policy.
func (r *Requester) PostJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return agenterrors.Permanent(fmt.Errorf("encode request for %s: %w", rawURL, err))
	}
	return retry.Do(ctx, r.Policy, "POST "+rawURL, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
		if err != nil {
			return agenterrors.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return r.do(req, out)
	})
}

// GetJSON issues a GET with query params and decodes the JSON response.
func (r *Requester) GetJSON(ctx context.Context, rawURL string, params url.Values, header http.Header, out any) error {
	full := rawURL
	if len(params) > 0 {
		full = rawURL + "?" + params.Encode()
	}
	return retry.Do(ctx, r.Policy, "GET "+rawURL, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return agenterrors.Permanent(err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return r.do(req, out)
	})
}

func (r *Requester) do(req *http.Request, out any) error {
	resp, err := r.Client.Do(req)
	if err != nil {
		return agenterrors.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return agenterrors.FromStatus(resp.StatusCode, req.URL.String())
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return agenterrors.Permanent(fmt.Errorf("decode response from %s: %w", req.URL.String(), err))
	}
	return nil
}

// Download streams rawURL into w using the long download timeout. The caller
// validates the payload; transport failures are retried.
func (r *Requester) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	client := New(DownloadTimeout)
	var written int64
	err := retry.Do(ctx, r.Policy, "download "+rawURL, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return agenterrors.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return agenterrors.Transient(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return agenterrors.FromStatus(resp.StatusCode, rawURL)
		}
		written, err = io.Copy(w, resp.Body)
		if err != nil {
			return agenterrors.Transient(err)
		}
		return nil
	})
	return written, err
}
