package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"dpagent/internal/artifact"
	"dpagent/internal/coordinator"
	"dpagent/internal/portal"
)

// Review summaries are portal exports: trigger the export, wait for the file
// to surface in the download centre, and parse it by its Chinese headers.

const (
	reviewSummaryPollAttempts = 30

	// emptyDatetime is the placeholder for missing timestamp columns.
	emptyDatetime = "1970-01-01 00:00:00"

	// Export platform codes (the export API numbers platforms differently
	// from the listing API).
	exportPlatformDianping = 1
	exportPlatformMeituan  = 2

	// Files smaller than this are suspicious but still parsed.
	summaryFileSizeWarn = 1000
)

// ReviewSummaryDianping exports and uploads the dianping review summary.
func (e *Env) ReviewSummaryDianping(ctx context.Context, req Request) (coordinator.ProductResult, error) {
	return e.reviewSummary(ctx, req, ProductReviewSummaryDP, exportPlatformDianping)
}

// ReviewSummaryMeituan exports and uploads the meituan review summary.
func (e *Env) ReviewSummaryMeituan(ctx context.Context, req Request) (coordinator.ProductResult, error) {
	return e.reviewSummary(ctx, req, ProductReviewSummaryMT, exportPlatformMeituan)
}

func (e *Env) reviewSummary(ctx context.Context, req Request, product string, exportPlatform int) (coordinator.ProductResult, error) {
	rows, err := e.reviewSummaryRows(ctx, req, exportPlatform)
	if err != nil {
		return e.finish(ctx, req, product, 0, 0, err), err
	}
	failed := e.uploadRows(ctx, product, rows)
	return e.finish(ctx, req, product, len(rows)-failed, failed, nil), nil
}

func (e *Env) reviewSummaryRows(ctx context.Context, req Request, exportPlatform int) ([]map[string]any, error) {
	triggeredAt := e.Now()
	if err := e.Portal.TriggerReviewExport(ctx, req.Auth, exportPlatform,
		req.Task.DataStartDate, req.Task.DataEndDate); err != nil {
		return nil, err
	}

	// Match only exports created by this trigger; the download centre also
	// lists older review files.
	fileURL, err := e.pollDownloadCenter(ctx, req.Auth, reviewSummaryPollAttempts, func(rec portal.DownloadRecord) bool {
		if !strings.Contains(rec.FileName, "门店评价") && !strings.Contains(rec.FileName, "评价") {
			return false
		}
		return rec.AddedAfter(triggeredAt)
	})
	if err != nil {
		return nil, err
	}

	name := "review_summary_" + req.Task.AccountID + "_" + compactDate(req.Task.DataStartDate) + ".xlsx"
	wb, path, err := e.fetchWorkbook(ctx, fileURL, name)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	defer e.Store.Remove(path)

	if size := artifact.FileSize(path); size < summaryFileSizeWarn {
		e.Logger.Warn("review summary file is only %d bytes", size)
	}

	sheet, err := wb.Rows()
	if err != nil {
		return nil, err
	}
	return parseReviewSummaryRows(sheet, req.Task.AccountID, exportPlatform == exportPlatformDianping), nil
}

// summaryHeaders maps export headers to row fields. The score-detail column
// only exists in the dianping export.
var summaryHeaders = map[string]string{
	"评价时间":   "review_time",
	"城市":     "city",
	"门店名称":   "shop_name",
	"点评门店ID": "dianping_shop_id",
	"美团门店ID": "meituan_shop_id",
	"用户昵称":   "user_nickname",
	"评价星级":   "star",
	"评分明细":   "score_detail",
	"评价内容":   "content",
	"图片数":    "pic_count",
	"视频数":    "video_count",
	"是否回复":   "is_replied",
	"首次回复时间": "first_reply_time",
	"是否消费后评价": "is_after_consume",
	"消费时间":   "consume_time",
}

var summaryNumericFields = map[string]bool{
	"star":        true,
	"pic_count":   true,
	"video_count": true,
}

// parseReviewSummaryRows maps the export by header text. An export with no
// data rows is a legitimate empty result, not an error.
func parseReviewSummaryRows(sheet [][]string, accountID string, dianping bool) []map[string]any {
	if len(sheet) < 2 {
		return nil
	}
	idx := artifact.HeaderIndex(sheet[0])

	var rows []map[string]any
	for _, raw := range sheet[1:] {
		row := make(map[string]any, len(summaryHeaders)+2)
		for header, field := range summaryHeaders {
			col, ok := idx[header]
			if !ok {
				continue
			}
			if summaryNumericFields[field] {
				row[field] = artifact.Number(raw, col)
			} else {
				row[field] = artifact.Cell(raw, col)
			}
		}
		if !dianping {
			delete(row, "score_detail")
		}

		reviewTime, _ := row["review_time"].(string)
		shopName, _ := row["shop_name"].(string)
		if reviewTime == "" && shopName == "" {
			continue
		}
		row["review_time"] = orDefault(reviewTime, emptyDatetime)

		content, _ := row["content"].(string)
		row["content"] = orDefault(content, "无")
		row["content_length"] = utf8.RuneCountInString(content)

		replied, _ := row["is_replied"].(string)
		if strings.Contains(replied, "已回复") {
			row["is_replied"] = "是"
		} else {
			row["is_replied"] = "否"
		}

		for _, field := range []string{"first_reply_time", "consume_time"} {
			v, _ := row[field].(string)
			row[field] = orDefault(v, emptyDatetime)
		}

		row["account_id"] = accountID
		rows = append(rows, row)
	}
	return rows
}
