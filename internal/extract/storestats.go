package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dpagent/internal/artifact"
	"dpagent/internal/coordinator"
	agenterrors "dpagent/internal/errors"
)

// Store stats aggregates five sources into one row per store: force-offline
// notices (read through the live browser page), the promotion balance, the
// check-in count from the traffic export, the two ranks from the rivalry
// export, and the ad order count from the trade export. Missing sources
// degrade to zeros; only invalidation aborts the product.

const (
	noticeCenterURL = "https://e.dianping.com/app/vg-pc-platform-merchant-selfhelp/newNoticeCenter.html"
	messageListURL  = "https://e.dianping.com/gateway/msg/MessageDzService/queryPcMessageList"

	// Traffic export column positions.
	trafficDateCol    = 0
	trafficShopIDCol  = 3
	trafficCheckinCol = 36

	// Rivalry export column positions.
	rivalShopIDCol     = 4
	rivalOrderRankCol  = 10
	rivalVerifyRankCol = 14

	// Trade export column positions.
	tradeProductIDCol  = 2
	tradeShopIDCol     = 6
	tradeOrderCountCol = 8
)

// PageDriver is the in-browser surface store stats needs: the message-list
// API refuses plain HTTP calls, so it is fetched from inside the logged-in
// page. Satisfied by browser.Context.
type PageDriver interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Eval(ctx context.Context, script string, out any) error
}

// StoreStats collects and uploads the per-store stats row set. page may be
// nil, in which case force-offline counts stay zero.
func (e *Env) StoreStats(ctx context.Context, req Request, page PageDriver) (coordinator.ProductResult, error) {
	targetDate := req.Task.DataEndDate
	shops := req.Account.Shops
	if len(shops) == 0 {
		err := fmt.Errorf("account %s has no stores", req.Task.AccountID)
		return e.finish(ctx, req, ProductStoreStats, 0, 0, err), err
	}

	offline, err := e.forceOfflineCounts(ctx, req, page, targetDate)
	if err != nil {
		return e.finish(ctx, req, ProductStoreStats, 0, 0, err), err
	}
	balance, err := e.financeBalance(ctx, req)
	if err != nil {
		return e.finish(ctx, req, ProductStoreStats, 0, 0, err), err
	}
	checkins, err := e.checkinCounts(ctx, req)
	if err != nil {
		return e.finish(ctx, req, ProductStoreStats, 0, 0, err), err
	}
	ranks, err := e.rivalRanks(ctx, req)
	if err != nil {
		return e.finish(ctx, req, ProductStoreStats, 0, 0, err), err
	}
	adOrders, err := e.adOrderCounts(ctx, req)
	if err != nil {
		return e.finish(ctx, req, ProductStoreStats, 0, 0, err), err
	}

	rows := make([]map[string]any, 0, len(shops))
	for _, shop := range shops {
		id, _ := strconv.ParseInt(shop.ShopID, 10, 64)
		rank := ranks[shop.ShopID]
		rows = append(rows, map[string]any{
			"store_name":         shop.ShopName,
			"store_id":           id,
			"checkin_count":      checkins[shop.ShopID],
			"order_user_rank":    rank.orderUserRank,
			"verify_amount_rank": rank.verifyAmountRank,
			"ad_order_count":     adOrders[shop.ShopID],
			"ad_balance":         balance,
			"is_force_offline":   offline[shop.ShopID],
			"date":               targetDate,
		})
	}
	failed := e.uploadRows(ctx, ProductStoreStats, rows)
	return e.finish(ctx, req, ProductStoreStats, len(rows)-failed, failed, nil), nil
}

// primaryShopID is the account-level store key: the portal cookie when
// present, otherwise the first store.
func primaryShopID(req Request) string {
	if id := req.Auth.Cookies["mpmerchant_portal_shopid"]; id != "" {
		return id
	}
	if len(req.Account.Shops) > 0 {
		return req.Account.Shops[0].ShopID
	}
	return ""
}

// messageListScript fetches the important-message list from inside the page
// so the call rides the page's own session.
const messageListScript = `
async () => {
  try {
    const response = await fetch('` + messageListURL + `?yodaReady=h5&csecplatform=4&csecversion=4.1.1', {
      method: 'POST', credentials: 'include',
      headers: {'Content-Type': 'application/json'},
      body: JSON.stringify({messageCategoryCode: 0, status: null, subCategoryIdList: null, important: 1, pageNo: 1, pageSize: 100})
    });
    return {success: true, data: await response.json()};
  } catch (e) {
    return {success: false, error: e.message};
  }
}
`

type messageListResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Status      int `json:"status"`
		MessageList []struct {
			Title      string          `json:"title"`
			CreateTime int64           `json:"createTime"` // unix millis
			MtShopID   json.RawMessage `json:"mtShopId"`
		} `json:"messageList"`
	} `json:"data"`
}

// forceOfflineCounts counts forced-offline notices per store on the target
// date. Failures leave the counts at zero; invalidation propagates.
func (e *Env) forceOfflineCounts(ctx context.Context, req Request, page PageDriver, targetDate string) (map[string]int, error) {
	counts := map[string]int{}
	if page == nil {
		e.Logger.Warn("no browser page available, skipping force-offline counts")
		return counts, nil
	}

	if err := page.Navigate(ctx, noticeCenterURL, 30*time.Second); err != nil {
		if agenterrors.IsAuthInvalid(err) {
			return nil, err
		}
		e.Logger.Warn("notice centre navigation failed: %v", err)
		return counts, nil
	}

	var result messageListResult
	if err := page.Eval(ctx, messageListScript, &result); err != nil {
		e.Logger.Warn("message list fetch failed: %v", err)
		return counts, nil
	}
	if !result.Success {
		e.Logger.Warn("message list fetch failed in page: %s", result.Error)
		return counts, nil
	}
	if result.Data.Status != 0 {
		e.Logger.Warn("message list API answered status %d", result.Data.Status)
		return counts, nil
	}

	target, err := time.ParseInLocation("2006-01-02", targetDate, time.Local)
	if err != nil {
		return nil, fmt.Errorf("bad target date %q: %w", targetDate, err)
	}
	fallbackShop := primaryShopID(req)
	for _, msg := range result.Data.MessageList {
		if !strings.Contains(msg.Title, "强制下线") || msg.CreateTime == 0 {
			continue
		}
		created := time.UnixMilli(msg.CreateTime).In(time.Local)
		if created.Format("2006-01-02") != target.Format("2006-01-02") {
			continue
		}
		shopID := flexID(msg.MtShopID)
		if shopID == "" {
			shopID = fallbackShop
		}
		if shopID != "" {
			counts[shopID]++
		}
	}
	return counts, nil
}

func flexID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

func (e *Env) financeBalance(ctx context.Context, req Request) (float64, error) {
	balance, err := e.Portal.FinanceBalance(ctx, req.Auth)
	if err != nil {
		if agenterrors.IsAuthInvalid(err) {
			return 0, err
		}
		e.Logger.Warn("finance balance unavailable: %v", err)
		return 0, nil
	}
	return balance, nil
}

// trafficDateRange ends two days back before 7am (the export for yesterday
// is not ready yet), one day back otherwise, spanning a week.
func (e *Env) trafficDateRange() string {
	now := e.Now()
	end := now.AddDate(0, 0, -1)
	if now.Hour() < 7 {
		end = now.AddDate(0, 0, -2)
	}
	start := end.AddDate(0, 0, -6)
	return start.Format("2006-01-02") + "," + end.Format("2006-01-02")
}

// checkinCounts reads the check-in column of the traffic export, keeping
// only the latest date's rows.
func (e *Env) checkinCounts(ctx context.Context, req Request) (map[string]int64, error) {
	counts := map[string]int64{}
	fileURL, err := e.Portal.TrafficSummaryFile(ctx, req.Auth, e.trafficDateRange())
	if err != nil {
		if agenterrors.IsAuthInvalid(err) {
			return nil, err
		}
		e.Logger.Warn("traffic export unavailable: %v", err)
		return counts, nil
	}
	if fileURL == "" {
		e.Logger.Warn("traffic export produced no file")
		return counts, nil
	}

	sheet, err := e.downloadSheet(ctx, fileURL, "traffic_"+req.Task.AccountID+".xlsx")
	if err != nil {
		e.Logger.Warn("traffic export parse failed: %v", err)
		return counts, nil
	}
	if len(sheet) < 2 {
		return counts, nil
	}

	latest := ""
	for _, row := range sheet[1:] {
		if d := artifact.Cell(row, trafficDateCol); d > latest {
			latest = d
		}
	}
	for _, row := range sheet[1:] {
		if artifact.Cell(row, trafficDateCol) != latest {
			continue
		}
		shopID := numericID(artifact.Cell(row, trafficShopIDCol))
		if shopID == "" {
			continue
		}
		counts[shopID] = artifact.Int(row, trafficCheckinCol)
	}
	return counts, nil
}

type rivalRank struct {
	orderUserRank    int64
	verifyAmountRank int64
}

// rivalRanks downloads one ranking export per store with a known business
// region and pulls the store's own row out of it.
func (e *Env) rivalRanks(ctx context.Context, req Request) (map[string]rivalRank, error) {
	ranks := map[string]rivalRank{}
	regions := decodeBusinessRegions(req.Account.CompareRegions)
	if len(regions) == 0 {
		e.Logger.Warn("no business-region info, rank columns stay zero")
		return ranks, nil
	}

	for _, shop := range req.Account.Shops {
		regionID, ok := regions[shop.ShopID]
		if !ok {
			continue
		}
		fileURL, err := e.Portal.RivalRankFile(ctx, req.Auth, shop.ShopID, regionID)
		if err != nil {
			if agenterrors.IsAuthInvalid(err) {
				return nil, err
			}
			e.Logger.Warn("rank export for %s unavailable: %v", shop.ShopID, err)
			continue
		}
		if fileURL == "" {
			continue
		}
		sheet, err := e.downloadSheet(ctx, fileURL, "rival_"+shop.ShopID+".xlsx")
		if err != nil {
			e.Logger.Warn("rank export for %s parse failed: %v", shop.ShopID, err)
			continue
		}
		if rank, found := findRivalRank(sheet, shop.ShopID); found {
			ranks[shop.ShopID] = rank
		}
		e.Sleep(ctx, rowUploadPause)
	}
	return ranks, nil
}

func findRivalRank(sheet [][]string, shopID string) (rivalRank, bool) {
	if len(sheet) < 2 {
		return rivalRank{}, false
	}
	for _, row := range sheet[1:] {
		if numericID(artifact.Cell(row, rivalShopIDCol)) != shopID {
			continue
		}
		return rivalRank{
			orderUserRank:    parseRank(artifact.Cell(row, rivalOrderRankCol)),
			verifyAmountRank: parseRank(artifact.Cell(row, rivalVerifyRankCol)),
		}, true
	}
	return rivalRank{}, false
}

// parseRank reads a ranking cell; the export renders overflow as "500+".
func parseRank(s string) int64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, "+", ""))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(v)
}

// adOrderCounts downloads yesterday's trade export and matches each store's
// configured deal id against the per-product rows.
func (e *Env) adOrderCounts(ctx context.Context, req Request) (map[string]int64, error) {
	counts := map[string]int64{}
	brands := decodeBrandMappings(req.Account.Brands)
	if len(brands) == 0 {
		e.Logger.Warn("no deal-id mappings, ad order counts stay zero")
		return counts, nil
	}

	yesterday := e.Now().AddDate(0, 0, -1).Format("2006-01-02")
	fileURL, err := e.Portal.TradeRankFile(ctx, req.Auth, primaryShopID(req), yesterday)
	if err != nil {
		if agenterrors.IsAuthInvalid(err) {
			return nil, err
		}
		e.Logger.Warn("trade export unavailable: %v", err)
		return counts, nil
	}
	if fileURL == "" {
		return counts, nil
	}

	sheet, err := e.downloadSheet(ctx, fileURL, "trade_"+req.Task.AccountID+".xlsx")
	if err != nil {
		e.Logger.Warn("trade export parse failed: %v", err)
		return counts, nil
	}
	if len(sheet) < 2 {
		return counts, nil
	}
	for _, row := range sheet[1:] {
		shopID := numericID(artifact.Cell(row, tradeShopIDCol))
		productID := numericID(artifact.Cell(row, tradeProductIDCol))
		if shopID == "" || brands[shopID] != productID {
			continue
		}
		counts[shopID] = artifact.Int(row, tradeOrderCountCol)
	}
	return counts, nil
}

// downloadSheet fetches an export and returns its rows, removing the file.
func (e *Env) downloadSheet(ctx context.Context, fileURL, name string) ([][]string, error) {
	wb, path, err := e.fetchWorkbook(ctx, fileURL, name)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	defer e.Store.Remove(path)
	return wb.Rows()
}

// numericID normalizes an id cell that spreadsheets may render as "100.0".
func numericID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatInt(int64(v), 10)
	}
	return s
}

// decodeBusinessRegions pulls each store's business-district region id out
// of the account's comparison-region blob.
func decodeBusinessRegions(raw json.RawMessage) map[string]int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var blob map[string]struct {
		Regions struct {
			Business struct {
				RegionID int64 `json:"regionId"`
			} `json:"business"`
		} `json:"regions"`
	}
	if json.Unmarshal(raw, &blob) != nil {
		return nil
	}
	out := make(map[string]int64, len(blob))
	for shopID, info := range blob {
		if info.Regions.Business.RegionID != 0 {
			out[shopID] = info.Regions.Business.RegionID
		}
	}
	return out
}

// decodeBrandMappings maps each store to its configured deal id.
func decodeBrandMappings(raw json.RawMessage) map[string]string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []struct {
		ShopID   json.RawMessage `json:"shop_id"`
		BrandsID json.RawMessage `json:"brands_id"`
	}
	if json.Unmarshal(raw, &list) != nil {
		return nil
	}
	out := make(map[string]string, len(list))
	for _, item := range list {
		shopID := flexID(item.ShopID)
		brandsID := flexID(item.BrandsID)
		if shopID != "" && brandsID != "" {
			out[shopID] = brandsID
		}
	}
	return out
}
