// Package extract implements the seven data products: each extractor drives
// the portal to generate or page through its data, parses it, and uploads
// rows to the coordinator. Extractors share the polling and upload plumbing
// and report a per-product result that feeds the batch status.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dpagent/internal/artifact"
	"dpagent/internal/coordinator"
	"dpagent/internal/logging"
	"dpagent/internal/portal"
)

// Product names, matching the coordinator's task tables.
const (
	ProductStoreStats       = "store_stats"
	ProductKewenDaily       = "kewen_daily_report"
	ProductPromotionDaily   = "promotion_daily_report"
	ProductReviewDetailDP   = "review_detail_dianping"
	ProductReviewDetailMT   = "review_detail_meituan"
	ProductReviewSummaryDP  = "review_summary_dianping"
	ProductReviewSummaryMT  = "review_summary_meituan"
	rowUploadPause          = 300 * time.Millisecond
	downloadCenterPollEvery = 2 * time.Second
)

// RowSink receives extracted rows and upload logs. Satisfied by
// coordinator.Client.
type RowSink interface {
	UploadRow(ctx context.Context, product string, row any) error
	Log(ctx context.Context, entry coordinator.LogEntry) error
}

// Request is everything an extractor needs for one product run.
type Request struct {
	Task    coordinator.Task
	Account *coordinator.AccountInfo
	Auth    portal.Auth
}

// Env bundles the shared dependencies. Sleep and Now are injectable so tests
// run without real waits.
type Env struct {
	Portal *portal.Client
	Sink   RowSink
	Store  *artifact.Store
	Logger logging.Logger

	FullCodeOnly bool
	Sleep        func(ctx context.Context, d time.Duration)
	Now          func() time.Time
}

// NewEnv fills the injectable fields with real implementations.
func NewEnv(p *portal.Client, sink RowSink, store *artifact.Store, fullCodeOnly bool, logger logging.Logger) *Env {
	return &Env{
		Portal:       p,
		Sink:         sink,
		Store:        store,
		Logger:       logging.OrNop(logger),
		FullCodeOnly: fullCodeOnly,
		Sleep:        sleepCtx,
		Now:          time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// uploadRows posts rows one at a time with a short pause between them and
// returns how many failed. The product succeeds only when every row landed.
func (e *Env) uploadRows(ctx context.Context, product string, rows []map[string]any) int {
	failed := 0
	for i, row := range rows {
		if err := e.Sink.UploadRow(ctx, product, row); err != nil {
			failed++
			e.Logger.Warn("%s row %d/%d upload failed: %v", product, i+1, len(rows), err)
		}
		if i < len(rows)-1 {
			e.Sleep(ctx, rowUploadPause)
		}
	}
	return failed
}

// finish writes the upload log entry and builds the product result.
func (e *Env) finish(ctx context.Context, req Request, product string, uploaded, failed int, runErr error) coordinator.ProductResult {
	result := coordinator.ProductResult{TaskName: product, RecordCount: uploaded}
	status := coordinator.UploadSucceeded
	switch {
	case runErr != nil:
		result.ErrorMessage = runErr.Error()
		status = coordinator.UploadFailed
	case failed > 0:
		result.ErrorMessage = fmt.Sprintf("%d of %d rows failed to upload", failed, uploaded+failed)
		status = coordinator.UploadFailed
	default:
		result.Success = true
	}

	entry := coordinator.LogEntry{
		AccountID:     req.Task.AccountID,
		TableName:     product,
		DataDateStart: req.Task.DataStartDate,
		DataDateEnd:   req.Task.DataEndDate,
		UploadStatus:  status,
		RecordCount:   uploaded,
		ErrorMessage:  result.ErrorMessage,
	}
	if err := e.Sink.Log(ctx, entry); err != nil {
		e.Logger.Warn("log entry for %s: %v", product, err)
	}
	return result
}

// pollDownloadCenter polls until a download-centre record matching match is
// ready, or attempts run out.
func (e *Env) pollDownloadCenter(ctx context.Context, auth portal.Auth, attempts int, match func(portal.DownloadRecord) bool) (string, error) {
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		records, err := e.Portal.DownloadCenterList(ctx, auth)
		if err != nil {
			return "", err
		}
		for _, rec := range records {
			if rec.Ready() && match(rec) {
				return rec.FileURL, nil
			}
		}
		e.Sleep(ctx, downloadCenterPollEvery)
	}
	return "", fmt.Errorf("report not ready after %d polls", attempts)
}

// fetchWorkbook downloads a generated file and opens it as a spreadsheet.
// The caller owns closing the workbook; the file is removed after parsing.
func (e *Env) fetchWorkbook(ctx context.Context, fileURL, name string) (*artifact.Workbook, string, error) {
	path, err := e.Store.Fetch(ctx, e.Portal, fileURL, name)
	if err != nil {
		return nil, "", err
	}
	wb, err := artifact.OpenWorkbook(path)
	if err != nil {
		e.Store.Remove(path)
		return nil, "", err
	}
	return wb, path, nil
}

// compactDate renders a date for filename matching (20060102).
func compactDate(s string) string {
	return strings.ReplaceAll(s, "-", "")
}
