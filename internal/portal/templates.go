package portal

import (
	"context"
	"fmt"
)

// Report template management, used by the provisioner.

// ReportTemplate is one saved template in the portal's report centre.
type ReportTemplate struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ListTemplates fetches the account's saved report templates.
func (c *Client) ListTemplates(ctx context.Context, auth Auth) ([]ReportTemplate, error) {
	params := sigParams(auth)
	params.Set("source", "1")
	params.Set("device", "pc")

	var resp struct {
		Code int `json:"code"`
		Data struct {
			Templates []ReportTemplate `json:"templates"`
		} `json:"data"`
	}
	err := c.getJSON(ctx, auth, "/gateway/adviser/report/template/list", params, c.baseURL+"/", &resp)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if resp.Code != 200 {
		return nil, fmt.Errorf("list templates: portal code %d", resp.Code)
	}
	return resp.Data.Templates, nil
}

// SaveTemplate creates a named template with the given ordered metric codes
// and returns its id.
func (c *Client) SaveTemplate(ctx context.Context, auth Auth, name string, metricCodes []string) (int, error) {
	params := sigParams(auth)
	params.Set("source", "1")
	params.Set("device", "pc")

	body := map[string]any{
		"name":    name,
		"metrics": metricCodes,
	}
	var resp struct {
		Code int `json:"code"`
		Data struct {
			ID int `json:"id"`
		} `json:"data"`
	}
	err := c.postJSON(ctx, auth, "/gateway/adviser/report/template/save", params, c.baseURL+"/", body, &resp)
	if err != nil {
		return 0, fmt.Errorf("save template %q: %w", name, err)
	}
	if resp.Code != 200 || resp.Data.ID == 0 {
		return 0, fmt.Errorf("save template %q: portal code %d", name, resp.Code)
	}
	return resp.Data.ID, nil
}
