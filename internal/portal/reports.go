package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Template report generation (the content-marketing daily report).

const (
	// TemplateRetryResultType is the resultType value that means the portal's
	// report service hiccuped and the trigger should be re-issued.
	TemplateRetryResultType = 3
)

// TriggerTemplateReport asks the portal to generate the report for the
// account's saved template over [startDate, endDate]. It returns the
// resultType from the response; TemplateRetryResultType means try again.
func (c *Client) TriggerTemplateReport(ctx context.Context, auth Auth, templateID int, startDate, endDate string) (int, error) {
	params := sigParams(auth)
	params.Set("source", "1")
	params.Set("device", "pc")
	params.Set("id", strconv.Itoa(templateID))
	params.Set("date", startDate+","+endDate)

	var resp struct {
		Data struct {
			ResultType int `json:"resultType"`
		} `json:"data"`
	}
	err := c.getJSON(ctx, auth, "/gateway/adviser/report/template/download", params, c.baseURL+"/", &resp)
	if err != nil {
		return 0, fmt.Errorf("trigger template report %d: %w", templateID, err)
	}
	return resp.Data.ResultType, nil
}

// DownloadRecord is one row in the portal's download centre.
type DownloadRecord struct {
	FileName     string `json:"fileName"`
	FileURL      string `json:"fileUrl"`
	RecordStatus int    `json:"recordStatus"`
	Downloadable string `json:"downloadable"`
	AddTime      string `json:"addTime"`
}

// Ready reports whether the record is complete and fetchable.
func (r DownloadRecord) Ready() bool {
	return r.RecordStatus == 300 && r.Downloadable == "1" && r.FileURL != ""
}

// AddedAfter reports whether the record was created at or after t. Records
// with unparseable timestamps pass, matching the portal's loose contract.
func (r DownloadRecord) AddedAfter(t time.Time) bool {
	added, err := time.ParseInLocation("2006-01-02 15:04:05", r.AddTime, time.Local)
	if err != nil {
		return true
	}
	return !added.Before(t.Add(-10 * time.Second))
}

// DownloadCenterList fetches the first page of the download centre queue.
func (c *Client) DownloadCenterList(ctx context.Context, auth Auth) ([]DownloadRecord, error) {
	params := sigParams(auth)
	params.Set("pageNo", "1")
	params.Set("pageSize", "20")

	var resp struct {
		Code int `json:"code"`
		Data struct {
			Records []DownloadRecord `json:"records"`
		} `json:"data"`
	}
	err := c.getJSON(ctx, auth, "/gateway/merchant/downloadcenter/list", params, c.baseURL+"/", &resp)
	if err != nil {
		return nil, fmt.Errorf("download centre list: %w", err)
	}
	if resp.Code != 200 {
		return nil, fmt.Errorf("download centre list: portal code %d", resp.Code)
	}
	return resp.Data.Records, nil
}

// Store promotion report (shopdiy).

// promotionTabIDs is the fixed metric-tab selection of the store report.
const promotionTabIDs = "T30001,T30002,T30003,T30004,T30005,T30048,T30020,T30029,T30006,T30007,T30013,T30014,T30009,T30012,T30011"

// TriggerStoreReport requests the store promotion report. When the portal
// answers synchronously the returned URL is non-empty; otherwise the caller
// polls QueryDownloadHistory.
func (c *Client) TriggerStoreReport(ctx context.Context, auth Auth, startDate, endDate string) (string, error) {
	begin, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return "", fmt.Errorf("trigger store report: bad start date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return "", fmt.Errorf("trigger store report: bad end date %q: %w", endDate, err)
	}
	// The comparison window mirrors the requested one, ending the day
	// before it starts.
	days := int(end.Sub(begin).Hours() / 24)
	compareEnd := begin.AddDate(0, 0, -1)
	compareBegin := compareEnd.AddDate(0, 0, -days)

	params := sigParams(auth)
	params.Set("csecversion", "4.0.4")
	params.Set("shopIds", "0")
	params.Set("launchIds", "0")
	params.Set("launchPremiumIds", "0")
	params.Set("planIds", "0")
	params.Set("objectUnit", "")
	params.Set("groupUnit", "shopId")
	params.Set("platform", "0")
	params.Set("beginDate", startDate)
	params.Set("endDate", endDate)
	params.Set("timeUnit", "day")
	params.Set("compareEnabled", "0")
	params.Set("compareBeginDate", compareBegin.Format("2006-01-02"))
	params.Set("compareEndDate", compareEnd.Format("2006-01-02"))
	params.Set("tabIds", promotionTabIDs)

	var resp struct {
		Code int             `json:"code"`
		Msg  json.RawMessage `json:"msg"`
	}
	err = c.getJSON(ctx, auth, "/shopdiy/report/datareport/pc/ajax/downloadReport", params,
		c.baseURL+"/shopdiy-node/report", &resp)
	if err != nil {
		return "", fmt.Errorf("trigger store report: %w", err)
	}
	if resp.Code != 200 {
		return "", nil
	}
	var msg struct {
		S3URL json.RawMessage `json:"S3Url"`
	}
	if json.Unmarshal(resp.Msg, &msg) != nil {
		return "", nil
	}
	return firstURL(msg.S3URL), nil
}

// QueryDownloadHistory polls the store-report download history and returns
// the URL of the first completed report, or "" when none is ready yet.
func (c *Client) QueryDownloadHistory(ctx context.Context, auth Auth) (string, error) {
	params := sigParams(auth)
	params.Set("csecversion", "4.0.4")
	params.Set("types", "3,9,10")
	params.Set("beginDate", "")
	params.Set("endDate", "")
	params.Set("pageNum", "1")
	params.Set("pageSize", "20")

	var resp struct {
		Records []struct {
			Status   int             `json:"status"`
			FilePath json.RawMessage `json:"filePath"`
		} `json:"records"`
	}
	err := c.getJSON(ctx, auth, "/shopdiy/report/datareport/subAccount/common/queryDownloadHistory", params,
		c.baseURL+"/shopdiy-node/report", &resp)
	if err != nil {
		return "", fmt.Errorf("query download history: %w", err)
	}
	for _, rec := range resp.Records {
		if rec.Status != 2 {
			continue
		}
		if u := firstURL(rec.FilePath); u != "" {
			return u, nil
		}
	}
	return "", nil
}

// firstURL decodes a field that is either a string URL or an array of them.
func firstURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// Review export (the review-summary products).

// TriggerReviewExport asks the portal to export reviews for the platform
// over the window. exportPlatform is 1 for the first brand, 2 for the
// second; it differs from the listing API's 0/1 values.
func (c *Client) TriggerReviewExport(ctx context.Context, auth Auth, exportPlatform int, startDate, endDate string) error {
	body := map[string]any{
		"tagId":     0,
		"platform":  exportPlatform,
		"shopIdStr": "0",
		"startDate": startDate,
		"endDate":   endDate,
	}
	err := c.postJSON(ctx, auth, "/gateway/merchant/review/pc/reviewdownload", sigParams(auth),
		c.baseURL+"/app/merchant-workbench/index.html", body, nil)
	if err != nil {
		return fmt.Errorf("trigger review export: %w", err)
	}
	return nil
}

// Adviser data gateway (traffic, rivalry, trade downloads).

// adviserFileURL walks the gateway response for the first generated file.
func adviserFileURL(data []json.RawMessage) string {
	for _, item := range data {
		var entry struct {
			Body struct {
				FileURL string `json:"fileUrl"`
			} `json:"body"`
		}
		if json.Unmarshal(item, &entry) == nil && entry.Body.FileURL != "" {
			return entry.Body.FileURL
		}
	}
	return ""
}

func (c *Client) adviserData(ctx context.Context, auth Auth, params url.Values, referer string, form url.Values) (string, error) {
	var resp struct {
		Code int               `json:"code"`
		Data []json.RawMessage `json:"data"`
	}
	var err error
	if form != nil {
		err = c.postForm(ctx, auth, "/gateway/adviser/data", params, referer, form, &resp)
	} else {
		err = c.getJSON(ctx, auth, "/gateway/adviser/data", params, referer, &resp)
	}
	if err != nil {
		return "", err
	}
	if resp.Code != 200 {
		return "", fmt.Errorf("adviser data: portal code %d", resp.Code)
	}
	return adviserFileURL(resp.Data), nil
}

// TrafficSummaryFile generates the traffic summary export and returns its
// file URL. dateRange is "start,end".
func (c *Client) TrafficSummaryFile(ctx context.Context, auth Auth, dateRange string) (string, error) {
	params := sigParams(auth)
	params.Set("componentId", "flowDataSummaryDownloadPCAsync")
	params.Set("pageType", "flowAnalysis")
	form := url.Values{
		"source":   {"1"},
		"device":   {"pc"},
		"pageType": {"flowAnalysis"},
		"shopIds":  {"0"},
		"platform": {"0"},
		"date":     {dateRange},
	}
	u, err := c.adviserData(ctx, auth, params, "https://h5.dianping.com/", form)
	if err != nil {
		return "", fmt.Errorf("traffic summary: %w", err)
	}
	return u, nil
}

// RivalRankFile generates the same-trade ranking export for one shop within
// its business region.
func (c *Client) RivalRankFile(ctx context.Context, auth Auth, shopID string, regionID int64) (string, error) {
	params := sigParams(auth)
	params.Set("componentId", "shopRankListDownload")
	params.Set("device", "pc")
	params.Set("source", "1")
	params.Set("pageType", "rivalAnalysisV2")
	params.Set("sign", "")
	params.Set("dateType", "1")
	params.Set("platform", "0")
	params.Set("shopIds", shopID)
	params.Set("regionId", strconv.FormatInt(regionID, 10))
	params.Set("regionType", "商圈")
	u, err := c.adviserData(ctx, auth, params, c.baseURL+"/codejoy/2703/home/index.html", nil)
	if err != nil {
		return "", fmt.Errorf("rival rank for shop %s: %w", shopID, err)
	}
	return u, nil
}

// TradeRankFile generates the per-product trade export for the date.
func (c *Client) TradeRankFile(ctx context.Context, auth Auth, storeKey, date string) (string, error) {
	params := sigParams(auth)
	params.Set("componentId", "shopTradeProductRankDownload")
	params.Set("pageType", "v5Trade")
	form := url.Values{
		"optionType":        {"v5Trade"},
		"typeIds":           {"7"},
		"sortTypeId":        {"7"},
		"prdIds":            {"1,2,3,4,5,6,11,12,13,14,15,16,17,18,19,20"},
		"source":            {"1"},
		"device":            {"pc"},
		"date":              {date + "," + date},
		"platform":          {"0"},
		"pageType":          {"v5Trade"},
		"shopIds":           {""},
		"excludeShopIds":    {""},
		"cityId":            {""},
		"spuId":             {""},
		"pageNum":           {""},
		"pageSize":          {""},
		"sign":              {""},
		"fromPage":          {""},
		"storeKey":          {storeKey},
		"timeStamp":         {strconv.FormatInt(time.Now().UnixMilli(), 10)},
		"downloadAllPrdIds": {"true"},
	}
	u, err := c.adviserData(ctx, auth, params, "https://h5.dianping.com/", form)
	if err != nil {
		return "", fmt.Errorf("trade rank: %w", err)
	}
	return u, nil
}

// Finance.

// FinanceProduct is one balance line in the finance detail response.
type FinanceProduct struct {
	ProductName  string  `json:"productName"`
	TotalBalance float64 `json:"totalBalance"`
}

// FinanceBalance returns the account's promotion balance, preferring the
// aggregate promotion product and falling back to the first line.
func (c *Client) FinanceBalance(ctx context.Context, auth Auth) (float64, error) {
	var resp struct {
		Code int              `json:"code"`
		Msg  string           `json:"msg"`
		Data []FinanceProduct `json:"data"`
	}
	err := c.getJSON(ctx, auth, "/adpaccount/finance/account/r/getHomeFinancialDetail", nil,
		c.baseURL+"/app/peon-promo-finance/html/flow-home.html", &resp)
	if err != nil {
		return 0, fmt.Errorf("finance balance: %w", err)
	}
	if resp.Code != 0 {
		return 0, fmt.Errorf("finance balance: portal code %d (%s)", resp.Code, resp.Msg)
	}
	if len(resp.Data) == 0 {
		return 0, nil
	}
	for _, item := range resp.Data {
		if strings.Contains(item.ProductName, "综合推广") {
			return item.TotalBalance, nil
		}
	}
	return resp.Data[0].TotalBalance, nil
}
