// Package portal is the raw HTTP side of the merchant portal: report
// generation, the download centre, review listings and exports, adviser data
// pulls, finance balance, and review replies. Calls authenticate with the
// account's cookie set and carry a signature token in the query string.
// Every JSON response is screened for login-expiry signals, which surface as
// AuthInvalidError so callers can trigger re-login instead of retrying.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	agenterrors "dpagent/internal/errors"
	"dpagent/internal/httpclient"
	"dpagent/internal/logging"
	"dpagent/internal/signature"
)

const (
	// DefaultBaseURL is the merchant portal origin.
	DefaultBaseURL = "https://e.dianping.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// Auth carries what a portal call needs to authenticate: the account's
// cookie set and, when the coordinator supplied one, a ready signature
// token. An empty token means each call synthesises a fresh one.
type Auth struct {
	Account string
	Cookies map[string]string
	APISig  string
}

// Sig returns the signature token for the next request.
func (a Auth) Sig() string {
	return signature.Generate(a.Cookies, a.APISig)
}

// Client issues authenticated portal requests.
type Client struct {
	baseURL string
	http    *http.Client
	dl      *http.Client
	logger  logging.Logger
}

// New builds a portal client against DefaultBaseURL.
func New(logger logging.Logger) *Client {
	return NewWithBaseURL(DefaultBaseURL, logger)
}

// NewWithBaseURL builds a portal client against an explicit origin.
func NewWithBaseURL(baseURL string, logger logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.New(httpclient.APITimeout),
		dl:      httpclient.New(httpclient.DownloadTimeout),
		logger:  logging.OrNop(logger),
	}
}

// sigParams are the query parameters every signed portal call carries.
func sigParams(auth Auth) url.Values {
	return url.Values{
		"yodaReady":    {"h5"},
		"csecplatform": {"4"},
		"csecversion":  {"4.1.1"},
		"mtgsig":       {auth.Sig()},
	}
}

func attachCookies(req *http.Request, cookies map[string]string) {
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

// getJSON issues a signed GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, auth Auth, path string, params url.Values, referer string, out any) error {
	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return agenterrors.Permanent(err)
	}
	c.setHeaders(req, referer, "")
	attachCookies(req, auth.Cookies)
	return c.do(req, auth, out)
}

// postJSON issues a signed POST with a JSON body.
func (c *Client) postJSON(ctx context.Context, auth Auth, path string, params url.Values, referer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return agenterrors.Permanent(err)
	}
	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, full, bytes.NewReader(payload))
	if err != nil {
		return agenterrors.Permanent(err)
	}
	c.setHeaders(req, referer, "application/json")
	attachCookies(req, auth.Cookies)
	return c.do(req, auth, out)
}

// postForm issues a signed POST with a form-encoded body, the shape the
// adviser data gateway expects.
func (c *Client) postForm(ctx context.Context, auth Auth, path string, params url.Values, referer string, form url.Values, out any) error {
	full := c.baseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, full, strings.NewReader(form.Encode()))
	if err != nil {
		return agenterrors.Permanent(err)
	}
	c.setHeaders(req, referer, "application/x-www-form-urlencoded")
	attachCookies(req, auth.Cookies)
	return c.do(req, auth, out)
}

func (c *Client) setHeaders(req *http.Request, referer, contentType string) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	req.Header.Set("User-Agent", userAgent)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

func (c *Client) do(req *http.Request, auth Auth, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return agenterrors.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &agenterrors.AuthInvalidError{Account: auth.Account, Signal: "http 401"}
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return agenterrors.FromStatus(resp.StatusCode, req.URL.Path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return agenterrors.Transient(err)
	}
	if err := screenInvalid(auth.Account, body); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return agenterrors.Permanent(fmt.Errorf("decode %s response: %w", req.URL.Path, err))
	}
	return nil
}

// screenInvalid inspects a portal JSON body for login-expiry signals.
func screenInvalid(account string, body []byte) error {
	var probe struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Msg     json.RawMessage `json:"msg"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return nil // not a JSON object; leave it to the caller
	}
	if agenterrors.PortalCodeIndicatesInvalid(probe.Code) {
		return &agenterrors.AuthInvalidError{Account: account, Signal: fmt.Sprintf("portal code %d", probe.Code)}
	}
	if agenterrors.PortalMessageIndicatesInvalid(probe.Message) {
		return &agenterrors.AuthInvalidError{Account: account, Signal: "portal message: " + probe.Message}
	}
	// msg is sometimes a string, sometimes a payload object.
	var msgStr string
	if json.Unmarshal(probe.Msg, &msgStr) == nil && agenterrors.PortalMessageIndicatesInvalid(msgStr) {
		return &agenterrors.AuthInvalidError{Account: account, Signal: "portal message: " + msgStr}
	}
	return nil
}

// DownloadFile streams a generated artifact URL to w. Artifact URLs are
// absolute (object storage), so no base URL is applied.
func (c *Client) DownloadFile(ctx context.Context, fileURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, agenterrors.Permanent(err)
	}
	resp, err := c.dl.Do(req)
	if err != nil {
		return 0, agenterrors.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, agenterrors.FromStatus(resp.StatusCode, fileURL)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, agenterrors.Transient(err)
	}
	return n, nil
}
