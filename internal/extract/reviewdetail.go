package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"dpagent/internal/coordinator"
	"dpagent/internal/portal"
)

// Review details page through the portal's listing API. The two platforms
// share the endpoint but answer with different row shapes, so each mapping
// digs through a generic JSON object.

const (
	reviewDetailMaxPages = 200

	// defaultReviewTime stands in when a review carries no timestamp.
	defaultReviewTime = "1997-12-08 00:00:00"
)

// ReviewDetailDianping pages through dianping reviews and uploads them.
func (e *Env) ReviewDetailDianping(ctx context.Context, req Request) (coordinator.ProductResult, error) {
	return e.reviewDetail(ctx, req, ProductReviewDetailDP, portal.ListPlatformDianping, mapDianpingReview)
}

// ReviewDetailMeituan pages through meituan reviews and uploads them.
func (e *Env) ReviewDetailMeituan(ctx context.Context, req Request) (coordinator.ProductResult, error) {
	return e.reviewDetail(ctx, req, ProductReviewDetailMT, portal.ListPlatformMeituan, mapMeituanReview)
}

func (e *Env) reviewDetail(ctx context.Context, req Request, product string, platform int,
	mapRow func(raw json.RawMessage, accountID string) (map[string]any, bool)) (coordinator.ProductResult, error) {

	rows, err := e.listReviewRows(ctx, req, platform, mapRow)
	if err != nil {
		return e.finish(ctx, req, product, 0, 0, err), err
	}
	failed := e.uploadRows(ctx, product, rows)
	return e.finish(ctx, req, product, len(rows)-failed, failed, nil), nil
}

func (e *Env) listReviewRows(ctx context.Context, req Request, platform int,
	mapRow func(raw json.RawMessage, accountID string) (map[string]any, bool)) ([]map[string]any, error) {

	var rows []map[string]any
	seen := 0
	for pageNo := 1; pageNo <= reviewDetailMaxPages; pageNo++ {
		page, err := e.Portal.ListReviews(ctx, req.Auth, platform, req.Task.DataStartDate, req.Task.DataEndDate, pageNo)
		if err != nil {
			return nil, err
		}
		if len(page.Reviews) == 0 {
			break
		}
		for _, raw := range page.Reviews {
			seen++
			if row, ok := mapRow(raw, req.Task.AccountID); ok {
				rows = append(rows, row)
			}
		}
		if seen >= page.Total {
			break
		}
	}
	return rows, nil
}

// field helpers over a decoded JSON object.

func objString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func objFloat(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func objBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func objMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func objList(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// mapDianpingReview flattens one dianping review row.
func mapDianpingReview(raw json.RawMessage, accountID string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	reviewID := objString(m, "reviewId")
	if reviewID == "" {
		return nil, false
	}

	row := map[string]any{
		"account_id":  accountID,
		"platform":    "dianping",
		"review_id":   reviewID,
		"shop_id":     objString(m, "shopId"),
		"shop_name":   objString(m, "shopName"),
		"user_id":     objString(m, "userId"),
		"user_name":   objString(m, "userName"),
		"content":     objString(m, "reviewBody"),
		"review_time": orDefault(objString(m, "addTime"), defaultReviewTime),
		// The portal stores stars on a 0..50 scale.
		"star":         objFloat(m, "star"),
		"star_display": objFloat(m, "star") / 10,
		"raw_data":     string(raw),
	}

	scores := objMap(m, "scoreMap")
	row["technician_score"] = objFloat(scores, "技师")
	row["service_score"] = objFloat(scores, "服务")
	row["environment_score"] = objFloat(scores, "环境")

	// Merchant replies live in the follow-note list; the first one is the
	// shop's reply.
	if notes := objList(m, "reviewFollowNoteDtoList"); len(notes) > 0 {
		if note, ok := notes[0].(map[string]any); ok {
			row["reply_content"] = objString(note, "noteBody")
			row["reply_time"] = orDefault(objString(note, "addDate"), defaultReviewTime)
		}
	}
	return row, true
}

// orderInfo ids in the meituan row's order detail list.
const (
	orderInfoCouponCode   = 1
	orderInfoProductName  = 2
	orderInfoOrderTime    = 3
	orderInfoConsumeTime  = 4
	orderInfoQuantity     = 5
	orderInfoPrice        = 6
	orderInfoBusinessType = 9
)

// mapMeituanReview flattens one meituan review row.
func mapMeituanReview(raw json.RawMessage, accountID string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	reviewID := objString(m, "reviewId")
	if reviewID == "" {
		return nil, false
	}

	row := map[string]any{
		"account_id":    accountID,
		"platform":      "meituan",
		"review_id":     reviewID,
		"shop_id":       objString(m, "shopId"),
		"shop_name":     objString(m, "shopName"),
		"user_id":       objString(m, "userId"),
		"user_name":     objString(m, "userName"),
		"content":       objString(m, "reviewBody"),
		"review_time":   orDefault(objString(m, "addTime"), defaultReviewTime),
		"star":          objFloat(m, "star"),
		"star_display":  objFloat(m, "star") / 10,
		"reply_content": objString(m, "shopReply"),
		"reply_time":    objString(m, "shopReplyTime"),
		"is_anonymous":  objBool(m, "anonymous"),
		"raw_data":      string(raw),
	}

	for _, item := range objList(m, "orderInfoDTOList") {
		info, ok := item.(map[string]any)
		if !ok {
			continue
		}
		value := objString(info, "value")
		switch int(objFloat(info, "id")) {
		case orderInfoBusinessType:
			row["business_type"] = value
		case orderInfoCouponCode:
			row["coupon_code"] = value
		case orderInfoProductName:
			row["product_name"] = value
		case orderInfoOrderTime:
			row["order_time"] = value
		case orderInfoConsumeTime:
			row["consume_time"] = value
		case orderInfoQuantity:
			row["quantity"] = value
		case orderInfoPrice:
			row["price"] = value
		}
	}
	return row, true
}
