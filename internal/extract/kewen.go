package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dpagent/internal/artifact"
	"dpagent/internal/coordinator"
	"dpagent/internal/portal"
)

// The kewen daily report is generated from the account's saved report
// template and lands in the download centre named after its date window.

const (
	kewenTriggerAttempts = 3
	kewenTriggerRetryGap = 10 * time.Second
	kewenPollAttempts    = 60
	fullCodeLabel        = "全部码"
)

// kewenColumn maps one spreadsheet column to a row field.
type kewenColumn struct {
	name    string
	numeric bool
	def     string // default for string columns when the cell is empty
}

// kewenColumns is the fixed column layout of the template report, in
// spreadsheet order.
var kewenColumns = []kewenColumn{
	{name: "report_date"},
	{name: "province"},
	{name: "city"},
	{name: "shop_id", numeric: true},
	{name: "shop_name"},
	{name: "dianping_star", numeric: true},
	{name: "meituan_star", numeric: true},
	{name: "operation_score", numeric: true},
	{name: "operation_level", def: "暂无"},
	{name: "promotion_cost", numeric: true},
	{name: "merchant_cost", numeric: true},
	{name: "platform_service_fee", numeric: true},
	{name: "commission_gtv", numeric: true},
	{name: "exposure_users", numeric: true},
	{name: "exposure_count", numeric: true},
	{name: "visit_users", numeric: true},
	{name: "visit_count", numeric: true},
	{name: "exposure_visit_rate", def: "0%"},
	{name: "order_users", numeric: true},
	{name: "lead_users", numeric: true},
	{name: "intent_users", numeric: true},
	{name: "intent_rate", def: "0%"},
	{name: "new_collect_users", numeric: true},
	{name: "total_collect_users", numeric: true},
	{name: "avg_stay_seconds", numeric: true},
	{name: "promotion_exposure_count", numeric: true},
	{name: "promotion_click_count", numeric: true},
	{name: "verify_sale_amount", numeric: true},
	{name: "verify_after_discount", numeric: true},
	{name: "verify_coupon_count", numeric: true},
	{name: "verify_order_count", numeric: true},
	{name: "verify_person_count", numeric: true},
	{name: "verify_new_customer", numeric: true},
	{name: "order_coupon_count", numeric: true},
	{name: "order_sale_amount", numeric: true},
	{name: "consult_users", numeric: true},
	{name: "consult_lead_count", numeric: true},
	{name: "consult_lead_rate", def: "0%"},
	{name: "avg_response_seconds", numeric: true},
	{name: "reply_rate_30s", def: "0%"},
	{name: "reply_rate_5min", def: "0%"},
	{name: "refund_amount", numeric: true},
	{name: "refund_order_count", numeric: true},
	{name: "refund_users", numeric: true},
	{name: "complaint_count", numeric: true},
	{name: "compensation_order_count", numeric: true},
	{name: "new_review_count", numeric: true},
	{name: "new_good_review_count", numeric: true},
	{name: "new_medium_review_count", numeric: true},
	{name: "new_bad_review_count", numeric: true},
	{name: "bad_review_reply_rate", def: "0%"},
	{name: "total_review_count", numeric: true},
	{name: "total_bad_review_count", numeric: true},
	{name: "coupon_code_type"},
	{name: "coupon_pay_order_count", numeric: true},
	{name: "coupon_pay_amount", numeric: true},
	{name: "coupon_verify_amount", numeric: true},
	{name: "coupon_scan_users", numeric: true},
	{name: "coupon_scan_collect_count", numeric: true},
	{name: "coupon_scan_review_count", numeric: true},
}

// KewenDailyReport generates, downloads and uploads the template report.
func (e *Env) KewenDailyReport(ctx context.Context, req Request) (coordinator.ProductResult, error) {
	rows, err := e.kewenRows(ctx, req)
	if err != nil {
		return e.finish(ctx, req, ProductKewenDaily, 0, 0, err), err
	}
	failed := e.uploadRows(ctx, ProductKewenDaily, rows)
	return e.finish(ctx, req, ProductKewenDaily, len(rows)-failed, failed, nil), nil
}

func (e *Env) kewenRows(ctx context.Context, req Request) ([]map[string]any, error) {
	if req.Account.TemplatesID == 0 {
		return nil, fmt.Errorf("account %s has no report template", req.Task.AccountID)
	}

	if err := e.triggerKewen(ctx, req); err != nil {
		return nil, err
	}

	marker := compactDate(req.Task.DataStartDate) + "-" + compactDate(req.Task.DataEndDate)
	fileURL, err := e.pollDownloadCenter(ctx, req.Auth, kewenPollAttempts, func(rec portal.DownloadRecord) bool {
		return strings.Contains(rec.FileName, marker)
	})
	if err != nil {
		return nil, fmt.Errorf("kewen report: %w", err)
	}

	wb, path, err := e.fetchWorkbook(ctx, fileURL, "kewen_"+req.Task.AccountID+"_"+marker+".xlsx")
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	defer e.Store.Remove(path)

	sheet, err := wb.Rows()
	if err != nil {
		return nil, err
	}
	return e.parseKewenRows(sheet, req.Task.AccountID), nil
}

// triggerKewen asks for generation, re-issuing when the portal signals its
// report service hiccuped.
func (e *Env) triggerKewen(ctx context.Context, req Request) error {
	for attempt := 1; attempt <= kewenTriggerAttempts; attempt++ {
		resultType, err := e.Portal.TriggerTemplateReport(ctx, req.Auth, req.Account.TemplatesID,
			req.Task.DataStartDate, req.Task.DataEndDate)
		if err != nil {
			return err
		}
		if resultType != portal.TemplateRetryResultType {
			return nil
		}
		e.Logger.Warn("kewen trigger attempt %d got retry signal", attempt)
		if attempt < kewenTriggerAttempts {
			e.Sleep(ctx, kewenTriggerRetryGap)
		}
	}
	return fmt.Errorf("kewen report generation kept failing after %d triggers", kewenTriggerAttempts)
}

// parseKewenRows maps data rows (after two header rows) through the fixed
// column layout, dropping empty rows and, when configured, rows that are not
// the all-codes aggregate.
func (e *Env) parseKewenRows(sheet [][]string, accountID string) []map[string]any {
	if len(sheet) <= 2 {
		return nil
	}
	var rows []map[string]any
	for _, raw := range sheet[2:] {
		row := make(map[string]any, len(kewenColumns)+1)
		for i, col := range kewenColumns {
			if col.numeric {
				row[col.name] = artifact.Number(raw, i)
				continue
			}
			v := artifact.Cell(raw, i)
			if v == "" {
				v = col.def
			}
			row[col.name] = v
		}
		if kewenRowEmpty(row) {
			continue
		}
		if e.FullCodeOnly && row["coupon_code_type"] != fullCodeLabel {
			continue
		}
		row["account_id"] = accountID
		rows = append(rows, row)
	}
	return rows
}

func kewenRowEmpty(row map[string]any) bool {
	if row["report_date"] == "" {
		return true
	}
	if id, ok := row["shop_id"].(float64); ok && id == 0 {
		return true
	}
	return row["shop_name"] == ""
}
