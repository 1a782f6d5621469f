package orchestrator

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"dpagent/internal/extract"
)

// Portal pages the "all" task walks through, in order. Each page hosts the
// extractors whose signatures the page load refreshes.
const (
	flowAnalysisURL = "https://e.dianping.com/app/merchant-platform/468ccfd01240492?iUrl=Ly9oNS5kaWFucGluZy5jb20vdmctcGMtYWR2aWNlL2FkdmljZS1mbG93LWFuYWx5c2lzL2luZGV4Lmh0bWw"
	reportCenterURL = "https://e.dianping.com/app/merchant-platform/0fb1bec0bade47d?iUrl=Ly9oNS5kaWFucGluZy5jb20vdmctcGMtYWR2aWNlL3JlcG9ydC1jZW50ZXIvaW5kZXguaHRtbA"
	reviewManageURL = "https://e.dianping.com/app/merchant-platform/7dfe97aa7164460?iUrl=Ly9lLmRpYW5waW5nLmNvbS92Zy1wbGF0Zm9ybS1yZXZpZXdtYW5hZ2Uvc2hvcC1jb21tZW50LWRwL2luZGV4Lmh0bWw"
)

// Shop-permission recovery: the portal shows this banner when the selected
// shop is outside the operator's grant, and switching to the all-shops scope
// clears it.
const (
	noPermissionBanner  = "暂无权限"
	shopSelectorTrigger = ".merchant-header .shop-select"
	allShopsOption      = ".shop-select-dropdown .all-shops"
)

type taskPage struct {
	name     string
	url      string
	products []string
}

var taskPages = []taskPage{
	{
		name:     "flow_analysis",
		url:      flowAnalysisURL,
		products: []string{extract.ProductStoreStats},
	},
	{
		name:     "report_center",
		url:      reportCenterURL,
		products: []string{extract.ProductKewenDaily, extract.ProductPromotionDaily},
	},
	{
		name:     "review_manage",
		url:      reviewManageURL,
		products: []string{
			extract.ProductReviewDetailDP,
			extract.ProductReviewDetailMT,
			extract.ProductReviewSummaryDP,
			extract.ProductReviewSummaryMT,
		},
	},
}

// recoverShopPermission clears the no-permission banner by switching the shop
// selector to all shops. Best effort: a failed recovery leaves the extractors
// to fail on their own terms.
func (o *Orchestrator) recoverShopPermission(ctx context.Context, s Session) {
	html, err := s.HTML(ctx)
	if err != nil {
		return
	}
	if !pageLacksPermission(html) {
		return
	}
	o.logger.Warn("no-permission banner shown, switching to all shops")
	if err := s.Click(ctx, shopSelectorTrigger); err != nil {
		o.logger.Warn("open shop selector: %v", err)
		return
	}
	if err := s.Click(ctx, allShopsOption); err != nil {
		o.logger.Warn("select all shops: %v", err)
	}
}

func pageLacksPermission(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return strings.Contains(doc.Find("body").Text(), noPermissionBanner)
}
