package coordinator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Task is one leased unit of work.
type Task struct {
	ID            int    `json:"id"`
	AccountID     string `json:"account_id"`
	TaskType      string `json:"task_type"`
	DataStartDate string `json:"data_start_date"`
	DataEndDate   string `json:"data_end_date"`
}

// Callback status codes.
const (
	StatusSucceeded = 2
	StatusFailed    = 3
)

// Per-product status codes used in batch and single reports.
const (
	ProductNotRun    = 0
	ProductSucceeded = 2
	ProductFailed    = 3
)

// Upload status codes for the log sink.
const (
	UploadFailed    = 1
	UploadSucceeded = 2
)

// ProductNames lists the seven data products in their canonical order.
var ProductNames = []string{
	"store_stats",
	"kewen_daily_report",
	"promotion_daily_report",
	"review_detail_dianping",
	"review_detail_meituan",
	"review_summary_dianping",
	"review_summary_meituan",
}

// KnownProduct reports whether name is one of the seven products.
func KnownProduct(name string) bool {
	for _, p := range ProductNames {
		if p == name {
			return true
		}
	}
	return false
}

// ProductResult is one extractor outcome, aggregated into the batch report.
type ProductResult struct {
	TaskName     string
	Success      bool
	RecordCount  int
	ErrorMessage string
}

// Shop is one store the account manages. Store ids travel as strings; some
// coordinator records carry them as numbers, so decoding accepts both.
type Shop struct {
	ShopID   string
	ShopName string
}

func (s *Shop) UnmarshalJSON(data []byte) error {
	var aux struct {
		ShopID   json.RawMessage `json:"shop_id"`
		ShopName string          `json:"shop_name"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.ShopID = flexString(aux.ShopID)
	s.ShopName = aux.ShopName
	return nil
}

// flexString decodes a value that may be a JSON string or number.
func flexString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return str
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

// AccountInfo is the coordinator's view of a platform account.
type AccountInfo struct {
	Account        string
	Cookies        map[string]string
	Mtgsig         string
	TemplatesID    int
	Shops          []Shop
	AuthStatus     string
	CompareRegions json.RawMessage
	Brands         json.RawMessage
}

// ShopIDs returns the store ids as numbers, or [0] when the account carries
// none so per-shop reporting always has a subject.
func (a *AccountInfo) ShopIDs() []int64 {
	if len(a.Shops) == 0 {
		return []int64{0}
	}
	ids := make([]int64, 0, len(a.Shops))
	for _, s := range a.Shops {
		n, err := strconv.ParseInt(s.ShopID, 10, 64)
		if err != nil {
			n = 0
		}
		ids = append(ids, n)
	}
	return ids
}

// LogEntry is one record for the coordinator's log sink.
type LogEntry struct {
	AccountID     string `json:"account_id"`
	ShopID        int64  `json:"shop_id"`
	TableName     string `json:"table_name"`
	DataDateStart string `json:"data_date_start"`
	DataDateEnd   string `json:"data_date_end"`
	UploadStatus  int    `json:"upload_status"`
	RecordCount   int    `json:"record_count"`
	ErrorMessage  string `json:"error_message"`
}

// PendingReply is one review awaiting an automated reply.
type PendingReply struct {
	ReviewID string `json:"review_id"`
	ShopID   string `json:"shop_id"`
	UserID   string `json:"user_id"`
	Content  string `json:"ai_gen"`
	Platform string `json:"platform"` // dianping or meituan
}

// Valid reports whether the reply carries everything needed to post it.
func (p *PendingReply) Valid() bool {
	return p.ReviewID != "" && p.ShopID != "" && p.Content != ""
}

// decodeCookies accepts the cookie field in either of the shapes the
// coordinator emits: a JSON object, or a string containing one.
func decodeCookies(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]string{}, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode cookie string: %w", err)
		}
		if strings.TrimSpace(inner) == "" {
			return map[string]string{}, nil
		}
		raw = json.RawMessage(inner)
	}
	cookies := map[string]string{}
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookie object: %w", err)
	}
	return cookies, nil
}

// decodeSignature accepts the mtgsig field as either a string or an object.
func decodeSignature(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	return trimmed
}

// decodeTemplatesID accepts the template id as a number, numeric string, or
// null. Anything unparseable means "not provisioned".
func decodeTemplatesID(raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		return n
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v
		}
	}
	return 0
}

// decodeShops accepts the store list as an array, a single object, or a
// string containing either.
func decodeShops(raw json.RawMessage) []Shop {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if json.Unmarshal(raw, &inner) != nil {
			return nil
		}
		trimmed = strings.TrimSpace(inner)
		raw = json.RawMessage(inner)
	}
	if strings.HasPrefix(trimmed, "{") {
		var one Shop
		if json.Unmarshal(raw, &one) == nil && one.ShopID != "" {
			return []Shop{one}
		}
		return nil
	}
	var many []Shop
	if json.Unmarshal(raw, &many) != nil {
		return nil
	}
	return many
}
