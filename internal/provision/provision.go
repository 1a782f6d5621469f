// Package provision makes sure an account has a portal report template and
// that the coordinator knows its id. The kewen extractor cannot run without
// one, so missing provisioning is a task pre-condition failure.
package provision

import (
	"context"
	"fmt"

	"dpagent/internal/logging"
	"dpagent/internal/portal"
)

// Template names recognised as the collector's own, in preference order.
var templateNames = []string{"Kewen_data", "hdp-all"}

// templateMetrics is the fixed, ordered metric selection the template
// carries. The column layout the kewen parser expects depends on it.
var templateMetrics = []string{
	"report_date", "province", "city", "shop_id", "shop_name",
	"dp_star", "mt_star", "operation_score", "operation_level",
	"promotion_cost", "merchant_cost", "platform_service_fee", "commission_gtv",
	"exposure_users", "exposure_count", "visit_users", "visit_count", "exposure_visit_rate",
	"order_users", "lead_users", "intent_users", "intent_rate",
	"new_collect_users", "total_collect_users", "avg_stay_seconds",
	"promotion_exposure_count", "promotion_click_count",
	"verify_sale_amount", "verify_after_discount", "verify_coupon_count",
	"verify_order_count", "verify_person_count", "verify_new_customer",
	"order_coupon_count", "order_sale_amount",
	"consult_users", "consult_lead_count", "consult_lead_rate",
	"avg_response_seconds", "reply_rate_30s", "reply_rate_5min",
	"refund_amount", "refund_order_count", "refund_users",
	"complaint_count", "compensation_order_count",
	"new_review_count", "new_good_review_count", "new_medium_review_count", "new_bad_review_count",
	"bad_review_reply_rate", "total_review_count", "total_bad_review_count",
	"coupon_code_type", "coupon_pay_order_count", "coupon_pay_amount",
	"coupon_verify_amount", "coupon_scan_users", "coupon_scan_collect_count", "coupon_scan_review_count",
}

// Templates is the portal surface the provisioner needs.
type Templates interface {
	ListTemplates(ctx context.Context, auth portal.Auth) ([]portal.ReportTemplate, error)
	SaveTemplate(ctx context.Context, auth portal.Auth, name string, metricCodes []string) (int, error)
}

// Recorder writes the provisioned id back to the coordinator.
type Recorder interface {
	WriteBackTemplateID(ctx context.Context, account string, templatesID int) error
}

// Provisioner finds or creates the account's report template.
type Provisioner struct {
	portal Templates
	coord  Recorder
	logger logging.Logger
}

// New wires a provisioner.
func New(p Templates, coord Recorder, logger logging.Logger) *Provisioner {
	return &Provisioner{portal: p, coord: coord, logger: logging.OrNop(logger)}
}

// Ensure returns the template id for the account, creating and recording one
// when none of the recognised templates exists.
func (p *Provisioner) Ensure(ctx context.Context, auth portal.Auth) (int, error) {
	account := auth.Account
	templates, err := p.portal.ListTemplates(ctx, auth)
	if err != nil {
		return 0, fmt.Errorf("provision template for %s: %w", account, err)
	}
	for _, want := range templateNames {
		for _, tpl := range templates {
			if tpl.Name == want && tpl.ID != 0 {
				p.logger.Info("account %s uses existing template %q (id %d)", account, tpl.Name, tpl.ID)
				p.record(ctx, account, tpl.ID)
				return tpl.ID, nil
			}
		}
	}

	id, err := p.portal.SaveTemplate(ctx, auth, templateNames[0], templateMetrics)
	if err != nil {
		return 0, fmt.Errorf("create template for %s: %w", account, err)
	}
	p.logger.Info("created template %q (id %d) for %s", templateNames[0], id, account)
	p.record(ctx, account, id)
	return id, nil
}

// record writes the id back. The id is still usable this run when both
// stores are down, so failure only logs.
func (p *Provisioner) record(ctx context.Context, account string, id int) {
	if err := p.coord.WriteBackTemplateID(ctx, account, id); err != nil {
		p.logger.Warn("record template id %d for %s: %v", id, account, err)
	}
}
