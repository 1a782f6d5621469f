package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpagent/internal/coordinator"
	"dpagent/internal/logging"
)

type fakeSink struct {
	rows    []any
	logs    []coordinator.LogEntry
	failAll bool
}

func (s *fakeSink) UploadRow(_ context.Context, _ string, row any) error {
	s.rows = append(s.rows, row)
	if s.failAll {
		return errors.New("upload rejected")
	}
	return nil
}

func (s *fakeSink) Log(_ context.Context, entry coordinator.LogEntry) error {
	s.logs = append(s.logs, entry)
	return nil
}

func parseEnv(sink *fakeSink) *Env {
	return &Env{
		Sink:         sink,
		Logger:       logging.Nop(),
		FullCodeOnly: true,
		Sleep:        func(context.Context, time.Duration) {},
		Now:          time.Now,
	}
}

func testRequest() Request {
	return Request{
		Task: coordinator.Task{
			ID:            7,
			AccountID:     "acct-1",
			TaskType:      "daily",
			DataStartDate: "2025-01-01",
			DataEndDate:   "2025-01-02",
		},
		Account: &coordinator.AccountInfo{Account: "acct-1"},
	}
}

func kewenSheetRow(overrides map[int]string) []string {
	row := make([]string, len(kewenColumns))
	row[0] = "2025-01-01"
	row[3] = "100"
	row[4] = "Store A"
	row[53] = fullCodeLabel
	for i, v := range overrides {
		row[i] = v
	}
	return row
}

func TestParseKewenRows(t *testing.T) {
	e := parseEnv(&fakeSink{})
	sheet := [][]string{
		{"header one"},
		{"header two"},
		kewenSheetRow(map[int]string{9: "1,234.5", 17: "", 8: ""}),
		kewenSheetRow(map[int]string{0: ""}),             // empty row
		kewenSheetRow(map[int]string{53: "单门店码"}),        // filtered by code type
		kewenSheetRow(map[int]string{3: "0"}),            // shop id zero
		kewenSheetRow(map[int]string{4: "", 53: "全部码"}),  // no shop name
	}

	rows := e.parseKewenRows(sheet, "acct-1")
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "acct-1", row["account_id"])
	assert.Equal(t, 1234.5, row["promotion_cost"])
	assert.Equal(t, "0%", row["exposure_visit_rate"])
	assert.Equal(t, "暂无", row["operation_level"])
	assert.Equal(t, fullCodeLabel, row["coupon_code_type"])
}

func TestParseKewenRowsKeepsAllCodeTypesWhenConfigured(t *testing.T) {
	e := parseEnv(&fakeSink{})
	e.FullCodeOnly = false
	sheet := [][]string{
		{"h1"}, {"h2"},
		kewenSheetRow(nil),
		kewenSheetRow(map[int]string{53: "单门店码"}),
	}
	assert.Len(t, e.parseKewenRows(sheet, "acct-1"), 2)
}

func TestParsePromotionRows(t *testing.T) {
	e := parseEnv(&fakeSink{})
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local) }
	sheet := [][]string{
		{"日期", "门店ID", "推广门店", "门店所在城市", "花费（元）", "曝光（次）"},
		{"01-15", "100", "Store A", "上海", "12.5", "300"},
		{"01-15", "", "Store B", "上海", "-", "/"},
		{"2025-01-16", "200", "Store C", "北京", "", "5"},
	}

	rows := e.parsePromotionRows(sheet, "acct-1")
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-01-15", rows[0]["report_date"])
	assert.Equal(t, int64(100), rows[0]["shop_id"])
	assert.Equal(t, 12.5, rows[0]["cost"])
	assert.Equal(t, "2025-01-16", rows[1]["report_date"])
	assert.Equal(t, 0.0, rows[1]["cost"])
}

func TestNormalizePromotionDate(t *testing.T) {
	assert.Equal(t, "2025-01-05", normalizePromotionDate("01-05", 2025))
	assert.Equal(t, "2024-12-31", normalizePromotionDate("2024-12-31", 2025))
	assert.Equal(t, "garbage", normalizePromotionDate("garbage", 2025))
}

func TestMapDianpingReview(t *testing.T) {
	raw := json.RawMessage(`{
		"reviewId": "r1", "shopId": 100, "shopName": "Store A",
		"userId": "u1", "userName": "customer", "star": 45,
		"reviewBody": "great", "addTime": "2025-01-01 10:00:00",
		"scoreMap": {"技师": 5, "服务": 4, "环境": 3},
		"reviewFollowNoteDtoList": [{"noteBody": "thanks", "addDate": "2025-01-02 09:00:00"}]
	}`)

	row, ok := mapDianpingReview(raw, "acct-1")
	require.True(t, ok)
	assert.Equal(t, "r1", row["review_id"])
	assert.Equal(t, "100", row["shop_id"])
	assert.Equal(t, 45.0, row["star"])
	assert.Equal(t, 4.5, row["star_display"])
	assert.Equal(t, 5.0, row["technician_score"])
	assert.Equal(t, "thanks", row["reply_content"])
	assert.JSONEq(t, string(raw), row["raw_data"].(string))
}

func TestMapDianpingReviewDefaults(t *testing.T) {
	row, ok := mapDianpingReview(json.RawMessage(`{"reviewId": "r2"}`), "acct-1")
	require.True(t, ok)
	assert.Equal(t, defaultReviewTime, row["review_time"])
	assert.Equal(t, 0.0, row["technician_score"])

	_, ok = mapDianpingReview(json.RawMessage(`{"star": 40}`), "acct-1")
	assert.False(t, ok, "rows without a review id are dropped")
}

func TestMapMeituanReview(t *testing.T) {
	raw := json.RawMessage(`{
		"reviewId": "m1", "shopId": "200", "star": 50,
		"shopReply": "welcome back", "shopReplyTime": "2025-01-03 08:00:00",
		"anonymous": true,
		"orderInfoDTOList": [
			{"id": 9, "value": "到店消费"},
			{"id": 2, "value": "双人套餐"},
			{"id": 6, "value": "128.00"},
			{"id": 42, "value": "ignored"}
		]
	}`)

	row, ok := mapMeituanReview(raw, "acct-1")
	require.True(t, ok)
	assert.Equal(t, "welcome back", row["reply_content"])
	assert.Equal(t, true, row["is_anonymous"])
	assert.Equal(t, "到店消费", row["business_type"])
	assert.Equal(t, "双人套餐", row["product_name"])
	assert.Equal(t, "128.00", row["price"])
	_, hasQuantity := row["quantity"]
	assert.False(t, hasQuantity)
}

func TestParseReviewSummaryRows(t *testing.T) {
	sheet := [][]string{
		{"评价时间", "城市", "门店名称", "用户昵称", "评价星级", "评分明细", "评价内容", "图片数", "视频数", "是否回复", "首次回复时间"},
		{"2025-01-01 10:00:00", "上海", "Store A", "customer", "5", "技师5分", "很好", "2", "0", "已回复", "2025-01-01 11:00:00"},
		{"", "", "", "", "", "", "", "", "", "", ""},
		{"2025-01-02 09:00:00", "上海", "Store A", "anon", "3", "", "", "0", "0", "未回复", ""},
	}

	rows := parseReviewSummaryRows(sheet, "acct-1", true)
	require.Len(t, rows, 2)
	assert.Equal(t, "是", rows[0]["is_replied"])
	assert.Equal(t, 2, rows[0]["content_length"])
	assert.Equal(t, "技师5分", rows[0]["score_detail"])
	assert.Equal(t, "否", rows[1]["is_replied"])
	assert.Equal(t, "无", rows[1]["content"])
	assert.Equal(t, 0, rows[1]["content_length"])
	assert.Equal(t, emptyDatetime, rows[1]["first_reply_time"])
}

func TestParseReviewSummaryRowsMeituanDropsScoreDetail(t *testing.T) {
	sheet := [][]string{
		{"评价时间", "门店名称", "评分明细"},
		{"2025-01-01 10:00:00", "Store A", "should vanish"},
	}
	rows := parseReviewSummaryRows(sheet, "acct-1", false)
	require.Len(t, rows, 1)
	_, has := rows[0]["score_detail"]
	assert.False(t, has)
}

func TestParseReviewSummaryRowsEmptyExport(t *testing.T) {
	assert.Empty(t, parseReviewSummaryRows([][]string{{"评价时间"}}, "acct-1", true))
	assert.Empty(t, parseReviewSummaryRows(nil, "acct-1", true))
}

func TestUploadRowsCountsFailures(t *testing.T) {
	sink := &fakeSink{failAll: true}
	e := parseEnv(sink)
	rows := []map[string]any{{"a": 1}, {"b": 2}}

	assert.Equal(t, 2, e.uploadRows(context.Background(), ProductKewenDaily, rows))
	assert.Len(t, sink.rows, 2)
}

func TestFinishResults(t *testing.T) {
	sink := &fakeSink{}
	e := parseEnv(sink)
	req := testRequest()

	ok := e.finish(context.Background(), req, ProductKewenDaily, 5, 0, nil)
	assert.True(t, ok.Success)
	assert.Equal(t, 5, ok.RecordCount)

	partial := e.finish(context.Background(), req, ProductKewenDaily, 4, 1, nil)
	assert.False(t, partial.Success)
	assert.Contains(t, partial.ErrorMessage, "1 of 5")

	failed := e.finish(context.Background(), req, ProductKewenDaily, 0, 0, fmt.Errorf("report never surfaced"))
	assert.False(t, failed.Success)
	assert.Equal(t, "report never surfaced", failed.ErrorMessage)

	require.Len(t, sink.logs, 3)
	assert.Equal(t, coordinator.UploadSucceeded, sink.logs[0].UploadStatus)
	assert.Equal(t, coordinator.UploadFailed, sink.logs[1].UploadStatus)
	assert.Equal(t, "2025-01-01", sink.logs[0].DataDateStart)
}

func TestTrafficDateRange(t *testing.T) {
	e := parseEnv(&fakeSink{})

	e.Now = func() time.Time { return time.Date(2025, 1, 10, 6, 30, 0, 0, time.Local) }
	assert.Equal(t, "2025-01-02,2025-01-08", e.trafficDateRange())

	e.Now = func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.Local) }
	assert.Equal(t, "2025-01-03,2025-01-09", e.trafficDateRange())
}

func TestFindRivalRank(t *testing.T) {
	sheet := [][]string{
		{"h", "h", "h", "h", "h", "h", "h", "h", "h", "h", "h", "h", "h", "h", "h"},
		{"", "", "", "", "999", "", "", "", "", "", "3", "", "", "", "7"},
		{"", "", "", "", "100.0", "", "", "", "", "", "12+", "", "", "", "500+"},
	}
	rank, found := findRivalRank(sheet, "100")
	require.True(t, found)
	assert.Equal(t, int64(12), rank.orderUserRank)
	assert.Equal(t, int64(500), rank.verifyAmountRank)

	_, found = findRivalRank(sheet, "42")
	assert.False(t, found)
}

func TestParseRank(t *testing.T) {
	assert.Equal(t, int64(12), parseRank("12+"))
	assert.Equal(t, int64(3), parseRank("3.0"))
	assert.Equal(t, int64(0), parseRank(""))
	assert.Equal(t, int64(0), parseRank("n/a"))
}

func TestNumericID(t *testing.T) {
	assert.Equal(t, "100", numericID("100.0"))
	assert.Equal(t, "100", numericID(" 100 "))
	assert.Equal(t, "abc", numericID("abc"))
	assert.Equal(t, "", numericID(""))
}

func TestDecodeBusinessRegions(t *testing.T) {
	raw := json.RawMessage(`{
		"100": {"regions": {"business": {"regionId": 55}}},
		"200": {"regions": {"business": {}}}
	}`)
	regions := decodeBusinessRegions(raw)
	assert.Equal(t, map[string]int64{"100": 55}, regions)
	assert.Nil(t, decodeBusinessRegions(nil))
}

func TestDecodeBrandMappings(t *testing.T) {
	raw := json.RawMessage(`[
		{"shop_id": "100", "brands_id": "777"},
		{"shop_id": 200, "brands_id": 888},
		{"shop_id": "", "brands_id": "9"}
	]`)
	brands := decodeBrandMappings(raw)
	assert.Equal(t, map[string]string{"100": "777", "200": "888"}, brands)
}

func TestFlexID(t *testing.T) {
	assert.Equal(t, "100", flexID(json.RawMessage(`"100"`)))
	assert.Equal(t, "100", flexID(json.RawMessage(`100`)))
	assert.Equal(t, "", flexID(json.RawMessage(`null`)))
	assert.Equal(t, "", flexID(nil))
}
