package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Review listing platforms. The listing API and the export API disagree on
// platform numbering; these are the listing values.
const (
	ListPlatformDianping = 0
	ListPlatformMeituan  = 1
)

// ReviewPage is one page of the review listing.
type ReviewPage struct {
	Reviews []json.RawMessage
	Total   int
}

// ListReviews fetches one page of reviews for the platform over the window.
// Rows are returned raw: the two platforms share the endpoint but not the
// row schema, so the extractors own the field mapping.
func (c *Client) ListReviews(ctx context.Context, auth Auth, platform int, startDate, endDate string, pageNo int) (*ReviewPage, error) {
	params := sigParams(auth)
	params.Set("platform", strconv.Itoa(platform))
	params.Set("shopIdStr", "0")
	params.Set("tagId", "0")
	params.Set("startDate", startDate)
	params.Set("endDate", endDate)
	params.Set("pageNo", strconv.Itoa(pageNo))
	params.Set("pageSize", "50")
	params.Set("referType", "0")
	params.Set("category", "0")

	referer := c.baseURL + "/vg-platform-reviewmanage/shop-comment-dp/index.html"
	if platform == ListPlatformMeituan {
		referer = c.baseURL + "/vg-platform-reviewmanage/shop-comment-mt/index.html"
	}

	var resp struct {
		Code int `json:"code"`
		Msg  struct {
			ReviewDetailDTOs []json.RawMessage `json:"reviewDetailDTOs"`
			TotalReviewNum   int               `json:"totalReivewNum"` // sic, portal field name
		} `json:"msg"`
	}
	err := c.getJSON(ctx, auth, "/review/app/index/ajax/pcreview/listV2", params, referer, &resp)
	if err != nil {
		return nil, fmt.Errorf("list reviews page %d: %w", pageNo, err)
	}
	if resp.Code != 200 {
		return nil, fmt.Errorf("list reviews page %d: portal code %d", pageNo, resp.Code)
	}
	return &ReviewPage{Reviews: resp.Msg.ReviewDetailDTOs, Total: resp.Msg.TotalReviewNum}, nil
}

// ReplyRequest describes one review reply to post.
type ReplyRequest struct {
	Platform string // dianping or meituan
	ShopID   string
	ReviewID string
	UserID   string
	Content  string
}

// ReplyResult is the portal's verdict on a posted reply.
type ReplyResult struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Msg     json.RawMessage `json:"msg"`
}

// Accepted reports whether the portal accepted the reply.
func (r *ReplyResult) Accepted() bool {
	return r.Code == 200 || r.Success
}

// Message renders the failure detail for reporting.
func (r *ReplyResult) Message() string {
	if len(r.Msg) == 0 {
		return fmt.Sprintf("portal code %d", r.Code)
	}
	var s string
	if json.Unmarshal(r.Msg, &s) == nil {
		return s
	}
	return string(r.Msg)
}

// PostReply posts a merchant reply to a review.
func (c *Client) PostReply(ctx context.Context, auth Auth, reply ReplyRequest) (*ReplyResult, error) {
	platformCode := 0
	refererPage := "shop-comment-dp"
	if reply.Platform == "meituan" {
		platformCode = 1
		refererPage = "shop-comment-mt"
	}

	params := sigParams(auth)
	params.Set("csecversion", "4.2.0")

	body := map[string]any{
		"clientType": 1,
		"platform":   platformCode,
		"content":    reply.Content,
		"replyId":    0,
		"shopIdStr":  reply.ShopID,
		"reviewId":   reply.ReviewID,
		"userId":     reply.UserID,
	}
	var result ReplyResult
	err := c.postJSON(ctx, auth, "/review/app/reply/ajax/reviewreply", params,
		c.baseURL+"/vg-platform-reviewmanage/"+refererPage+"/index.html", body, &result)
	if err != nil {
		return nil, fmt.Errorf("post reply to %s: %w", reply.ReviewID, err)
	}
	return &result, nil
}
