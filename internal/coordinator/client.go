// Package coordinator talks to the task coordinator: leasing work, reporting
// outcomes, fetching account credentials, and receiving extracted rows.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	agenterrors "dpagent/internal/errors"
	"dpagent/internal/httpclient"
	"dpagent/internal/logging"
)

// Client wraps the coordinator's JSON-over-POST API.
type Client struct {
	baseURL string
	req     *httpclient.Requester
	logger  logging.Logger
}

// New builds a client for the coordinator at baseURL.
func New(baseURL string, logger logging.Logger) *Client {
	logger = logging.OrNop(logger)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		req:     httpclient.NewRequester(logger),
		logger:  logger,
	}
}

func (c *Client) url(path string) string { return c.baseURL + path }

// envelope is the {success, data, message} wrapper most endpoints use.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
}

func (e *envelope) errorMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Msg != "" {
		return e.Msg
	}
	return "unspecified coordinator error"
}

// CreateSchedule asks the coordinator to generate today's task schedule for
// the day-before-yesterday through yesterday data window.
func (c *Client) CreateSchedule(ctx context.Context, now time.Time) error {
	body := map[string]string{
		"task_date":       now.Format("2006-01-02"),
		"data_start_date": now.AddDate(0, 0, -2).Format("2006-01-02"),
		"data_end_date":   now.AddDate(0, 0, -1).Format("2006-01-02"),
	}
	if err := c.req.PostJSON(ctx, c.url("/api/post_task_schedule"), body, nil); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	c.logger.Info("schedule created for %s", body["task_date"])
	return nil
}

// LeaseTask claims one pending task, identifying this worker by its public
// IP. Returns nil when the queue is empty.
func (c *Client) LeaseTask(ctx context.Context, workerIP string) (*Task, error) {
	var env envelope
	err := c.req.PostJSON(ctx, c.url("/api/get_task"), map[string]string{"server": workerIP}, &env)
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	if !env.Success || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	var task Task
	if err := json.Unmarshal(env.Data, &task); err != nil {
		return nil, agenterrors.Permanent(fmt.Errorf("decode leased task: %w", err))
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}

// Callback reports the terminal outcome of a leased task. status is
// StatusSucceeded or StatusFailed; retryAdd asks the coordinator to bump the
// task's retry counter.
func (c *Client) Callback(ctx context.Context, taskID, status int, errorMessage string, retryAdd int) error {
	body := map[string]any{
		"id":            taskID,
		"status":        status,
		"error_message": errorMessage,
		"retry_add":     retryAdd,
	}
	if err := c.req.PostJSON(ctx, c.url("/api/task/callback"), body, nil); err != nil {
		return fmt.Errorf("task callback %d: %w", taskID, err)
	}
	return nil
}

// ResetLease returns a leased task to the queue untouched. Used when the
// host is under critical pressure and the task was never started.
func (c *Client) ResetLease(ctx context.Context, taskID int) error {
	body := map[string]int{"id": taskID}
	if err := c.req.PostJSON(ctx, c.url("/api/task/schedule/reset"), body, nil); err != nil {
		return fmt.Errorf("reset lease %d: %w", taskID, err)
	}
	return nil
}

// RescheduleFailed asks the coordinator to re-queue eligible failed tasks.
func (c *Client) RescheduleFailed(ctx context.Context) error {
	if err := c.req.PostJSON(ctx, c.url("/api/task/reschedule-failed"), map[string]string{}, nil); err != nil {
		return fmt.Errorf("reschedule failed tasks: %w", err)
	}
	return nil
}

// accountRecord mirrors the raw wire shape of an account lookup. Several
// fields arrive as either strings or objects depending on how the row was
// written, so everything polymorphic stays raw until decoded.
type accountRecord struct {
	Cookie         json.RawMessage `json:"cookie"`
	CookiesJSON    json.RawMessage `json:"cookies_json"`
	Mtgsig         json.RawMessage `json:"mtgsig"`
	TemplatesID    json.RawMessage `json:"templates_id"`
	StoresJSON     json.RawMessage `json:"stores_json"`
	ShopInfo       json.RawMessage `json:"shop_info"`
	AuthStatus     string          `json:"auth_status"`
	CompareRegions json.RawMessage `json:"compareRegions_json"`
	Brands         json.RawMessage `json:"brands_json"`
}

func (r *accountRecord) toInfo(account string) (*AccountInfo, error) {
	rawCookie := r.Cookie
	if len(rawCookie) == 0 || string(rawCookie) == "null" {
		rawCookie = r.CookiesJSON
	}
	cookies, err := decodeCookies(rawCookie)
	if err != nil {
		return nil, err
	}
	rawShops := r.StoresJSON
	if len(rawShops) == 0 || string(rawShops) == "null" {
		rawShops = r.ShopInfo
	}
	return &AccountInfo{
		Account:        account,
		Cookies:        cookies,
		Mtgsig:         decodeSignature(r.Mtgsig),
		TemplatesID:    decodeTemplatesID(r.TemplatesID),
		Shops:          decodeShops(rawShops),
		AuthStatus:     r.AuthStatus,
		CompareRegions: r.CompareRegions,
		Brands:         r.Brands,
	}, nil
}

func (c *Client) fetchAccount(ctx context.Context, path string, body map[string]string, account string) (*AccountInfo, error) {
	var env envelope
	if err := c.req.PostJSON(ctx, c.url(path), body, &env); err != nil {
		return nil, fmt.Errorf("account lookup %s: %w", account, err)
	}
	if !env.Success {
		return nil, agenterrors.Permanent(fmt.Errorf("account lookup %s: %s", account, env.errorMessage()))
	}
	var rec accountRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, agenterrors.Permanent(fmt.Errorf("decode account %s: %w", account, err))
	}
	return rec.toInfo(account)
}

// AccountInfo fetches the full platform-account record.
func (c *Client) AccountInfo(ctx context.Context, account string) (*AccountInfo, error) {
	return c.fetchAccount(ctx, "/api/get_platform_account", map[string]string{"account": account}, account)
}

// NamedCookies fetches the stored cookie set for a named login, used when a
// task needs fresh cookies outside the full account record.
func (c *Client) NamedCookies(ctx context.Context, name string) (*AccountInfo, error) {
	return c.fetchAccount(ctx, "/api/get_namecookies", map[string]string{"name": name}, name)
}

// ReportAuthInvalid marks the account's login as gone on the coordinator.
func (c *Client) ReportAuthInvalid(ctx context.Context, account string) error {
	body := map[string]string{"account": account, "auth_status": "invalid"}
	if err := c.req.PostJSON(ctx, c.url("/api/post/platform_accounts"), body, nil); err != nil {
		return fmt.Errorf("report auth invalid %s: %w", account, err)
	}
	c.logger.Warn("account %s reported invalid", account)
	return nil
}

// Log writes one record to the coordinator's log sink.
func (c *Client) Log(ctx context.Context, entry LogEntry) error {
	if err := c.req.PostJSON(ctx, c.url("/api/log"), entry, nil); err != nil {
		return fmt.Errorf("log record for %s/%s: %w", entry.AccountID, entry.TableName, err)
	}
	return nil
}

// UpdateBatchStatus reports per-product outcomes for an account and date
// window. Products not present in results are reported not-run.
func (c *Client) UpdateBatchStatus(ctx context.Context, account, startDate, endDate string, results []ProductResult) error {
	body := map[string]any{
		"account_id":      account,
		"data_start_date": startDate,
		"data_end_date":   endDate,
	}
	for _, name := range ProductNames {
		body[name+"_status"] = ProductNotRun
		body[name+"_records"] = 0
		body[name+"_error"] = nil
	}
	for _, r := range results {
		if !KnownProduct(r.TaskName) {
			c.logger.Warn("batch status: unknown product %q skipped", r.TaskName)
			continue
		}
		if r.Success {
			body[r.TaskName+"_status"] = ProductSucceeded
			body[r.TaskName+"_error"] = nil
		} else {
			body[r.TaskName+"_status"] = ProductFailed
			body[r.TaskName+"_error"] = r.ErrorMessage
		}
		body[r.TaskName+"_records"] = r.RecordCount
	}
	if err := c.req.PostJSON(ctx, c.url("/api/account_task/update_batch"), body, nil); err != nil {
		return fmt.Errorf("batch status for %s: %w", account, err)
	}
	return nil
}

// UpdateSingleStatus reports one product outcome.
func (c *Client) UpdateSingleStatus(ctx context.Context, account, startDate, endDate string, r ProductResult) error {
	status := ProductFailed
	if r.Success {
		status = ProductSucceeded
	}
	body := map[string]any{
		"account_id":      account,
		"data_start_date": startDate,
		"data_end_date":   endDate,
		"task_name":       r.TaskName,
		"status":          status,
		"record_count":    r.RecordCount,
		"error_message":   r.ErrorMessage,
	}
	if err := c.req.PostJSON(ctx, c.url("/api/account_task/update_single"), body, nil); err != nil {
		return fmt.Errorf("single status %s/%s: %w", account, r.TaskName, err)
	}
	return nil
}

// UploadRow pushes one extracted row to the product's ingest endpoint. The
// endpoint path matches the product name.
func (c *Client) UploadRow(ctx context.Context, product string, row any) error {
	if !KnownProduct(product) {
		return agenterrors.Permanent(fmt.Errorf("unknown product %q", product))
	}
	if err := c.req.PostJSON(ctx, c.url("/api/"+product), row, nil); err != nil {
		return fmt.Errorf("upload %s row: %w", product, err)
	}
	return nil
}

// UploadCookieConfig writes a refreshed cookie set to the cookie_config
// store.
func (c *Client) UploadCookieConfig(ctx context.Context, name string, cookies map[string]string, refreshedAt time.Time) error {
	body := map[string]any{
		"name":                name,
		"cookies_json":        cookies,
		"cookie_refreshed_at": refreshedAt.Format("2006-01-02 15:04:05"),
	}
	if err := c.req.PostJSON(ctx, c.url("/api/cookie_config"), body, nil); err != nil {
		return fmt.Errorf("cookie_config upload %s: %w", name, err)
	}
	return nil
}

// UploadAccountCookie writes a refreshed cookie set to the platform-accounts
// store. Kept separate from UploadCookieConfig: the two stores are consumed
// by different downstream systems.
func (c *Client) UploadAccountCookie(ctx context.Context, account string, cookies map[string]string) error {
	body := map[string]any{"account": account, "cookie": cookies}
	if err := c.req.PostJSON(ctx, c.url("/api/platform-accounts"), body, nil); err != nil {
		return fmt.Errorf("platform-accounts upload %s: %w", account, err)
	}
	return nil
}

// WriteBackTemplateID records a freshly provisioned report template id in
// both account stores. The stores are redundant: one landing is enough.
func (c *Client) WriteBackTemplateID(ctx context.Context, account string, templatesID int) error {
	errConfig := c.req.PostJSON(ctx, c.url("/api/cookie_config"), map[string]any{"name": account, "templates_id": templatesID}, nil)
	if errConfig != nil {
		c.logger.Warn("template id write-back (cookie_config) %s: %v", account, errConfig)
	}
	errAccounts := c.req.PostJSON(ctx, c.url("/api/platform-accounts"), map[string]any{"account": account, "templates_id": templatesID}, nil)
	if errAccounts != nil {
		c.logger.Warn("template id write-back (platform-accounts) %s: %v", account, errAccounts)
	}
	if errConfig != nil && errAccounts != nil {
		return fmt.Errorf("template id write-back %s failed on both stores: %w", account, errAccounts)
	}
	return nil
}

// PendingReplies lists reviews awaiting an automated reply for the account.
func (c *Client) PendingReplies(ctx context.Context, account string) ([]PendingReply, error) {
	var env envelope
	if err := c.req.PostJSON(ctx, c.url("/api/review/pending-reply/list"), map[string]string{"account": account}, &env); err != nil {
		return nil, fmt.Errorf("pending replies %s: %w", account, err)
	}
	if !env.Success {
		c.logger.Warn("pending replies %s: %s", account, env.errorMessage())
		return nil, nil
	}
	var list []PendingReply
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &list); err != nil {
			return nil, agenterrors.Permanent(fmt.Errorf("decode pending replies: %w", err))
		}
	}
	return list, nil
}

// UpdateReplyResult reports the outcome of one automated reply. taskReply is
// ProductSucceeded or ProductFailed; shopReply carries the posted content on
// success or the failure reason otherwise.
func (c *Client) UpdateReplyResult(ctx context.Context, platform, reviewID string, taskReply int, shopReply string) error {
	body := map[string]any{
		"data_name":  platform,
		"review_id":  reviewID,
		"task_reply": taskReply,
		"shop_reply": shopReply,
	}
	if err := c.req.PostJSON(ctx, c.url("/api/review/task-reply/update"), body, nil); err != nil {
		return fmt.Errorf("reply result %s: %w", reviewID, err)
	}
	return nil
}
