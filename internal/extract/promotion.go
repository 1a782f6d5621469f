package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dpagent/internal/artifact"
	"dpagent/internal/coordinator"
)

// The promotion daily report comes from the shopdiy report service. The
// trigger sometimes answers with the file URL directly; otherwise the report
// shows up in the service's own download history.

const (
	promotionPollAttempts = 60
	promotionPollEvery    = 5 * time.Second
)

// promotionHeaders maps the spreadsheet's column headers to row fields.
var promotionHeaders = map[string]string{
	"日期":         "report_date",
	"门店ID":       "shop_id",
	"推广门店":       "shop_name",
	"门店所在城市":     "city_name",
	"花费（元）":      "cost",
	"曝光（次）":      "exposure_count",
	"点击（次）":      "click_count",
	"点击均价（元）":    "click_avg_price",
	"商户浏览量（次）":   "shop_view_count",
	"优惠预订订单量（个）": "coupon_order_count",
	"团购订单量（个）":   "groupbuy_order_count",
	"订单量（个）":     "order_count",
	"查看图片（次）":    "view_pic_count",
	"查看评论（次）":    "view_comment_count",
	"查看地址（次）":    "view_address_count",
	"查看电话（次）":    "view_phone_count",
	"查看团购（次）":    "view_groupbuy_count",
	"收藏（次）":      "collect_count",
	"分享（次）":      "share_count",
}

// promotionStringFields keeps these columns textual; everything else parses
// as a number with "/", "-" and empty treated as zero.
var promotionStringFields = map[string]bool{
	"report_date": true,
	"shop_name":   true,
	"city_name":   true,
}

// PromotionDailyReport generates, downloads and uploads the promotion report.
func (e *Env) PromotionDailyReport(ctx context.Context, req Request) (coordinator.ProductResult, error) {
	rows, err := e.promotionRows(ctx, req)
	if err != nil {
		return e.finish(ctx, req, ProductPromotionDaily, 0, 0, err), err
	}
	failed := e.uploadRows(ctx, ProductPromotionDaily, rows)
	return e.finish(ctx, req, ProductPromotionDaily, len(rows)-failed, failed, nil), nil
}

func (e *Env) promotionRows(ctx context.Context, req Request) ([]map[string]any, error) {
	fileURL, err := e.Portal.TriggerStoreReport(ctx, req.Auth, req.Task.DataStartDate, req.Task.DataEndDate)
	if err != nil {
		return nil, err
	}
	if fileURL == "" {
		fileURL, err = e.pollPromotionHistory(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	name := fmt.Sprintf("promotion_%s_%s.xlsx", req.Task.AccountID, compactDate(req.Task.DataStartDate))
	wb, path, err := e.fetchWorkbook(ctx, fileURL, name)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	defer e.Store.Remove(path)

	sheet, err := wb.Rows()
	if err != nil {
		return nil, err
	}
	return e.parsePromotionRows(sheet, req.Task.AccountID), nil
}

func (e *Env) pollPromotionHistory(ctx context.Context, req Request) (string, error) {
	for i := 0; i < promotionPollAttempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		u, err := e.Portal.QueryDownloadHistory(ctx, req.Auth)
		if err != nil {
			return "", err
		}
		if u != "" {
			return u, nil
		}
		e.Sleep(ctx, promotionPollEvery)
	}
	return "", fmt.Errorf("promotion report not ready after %d polls", promotionPollAttempts)
}

// parsePromotionRows resolves columns by header text, so column order changes
// in the export do not break parsing.
func (e *Env) parsePromotionRows(sheet [][]string, accountID string) []map[string]any {
	if len(sheet) < 2 {
		return nil
	}
	idx := artifact.HeaderIndex(sheet[0])
	year := e.Now().Year()

	var rows []map[string]any
	for _, raw := range sheet[1:] {
		row := make(map[string]any, len(promotionHeaders)+1)
		for header, field := range promotionHeaders {
			col, ok := idx[header]
			if !ok {
				continue
			}
			if promotionStringFields[field] {
				row[field] = artifact.Cell(raw, col)
			} else {
				row[field] = artifact.Number(raw, col)
			}
		}
		date, ok := row["report_date"].(string)
		if !ok || date == "" {
			continue
		}
		row["report_date"] = normalizePromotionDate(date, year)
		if id, ok := row["shop_id"].(float64); !ok || id == 0 {
			continue
		}
		row["shop_id"] = int64(row["shop_id"].(float64))
		row["account_id"] = accountID
		rows = append(rows, row)
	}
	return rows
}

// normalizePromotionDate expands the export's "MM-DD" dates with the current
// year; full dates pass through.
func normalizePromotionDate(s string, year int) string {
	parts := strings.Split(s, "-")
	if len(parts) == 2 {
		m, errM := strconv.Atoi(parts[0])
		d, errD := strconv.Atoi(parts[1])
		if errM == nil && errD == nil {
			return fmt.Sprintf("%04d-%02d-%02d", year, m, d)
		}
	}
	return s
}
