package easymail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is a thin HTTP client for the campaign API, used by the cli and by
// integrations. The actor identity is forwarded on every request, the
// upstream gateway is responsible for having authenticated it.
func NewClient(host string, actor Actor) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:  host,
		actor: actor,
		http:  http.DefaultClient,
	}
}

type Client struct {
	host  string
	actor Actor
	http  *http.Client
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Email", c.actor.Email)
	req.Header.Set("X-Actor-Roles", strings.Join(c.actor.Roles, ","))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) CreateCampaign(ctx context.Context, campaign Campaign) (Campaign, error) {
	var res Campaign
	err := c.do(ctx, http.MethodPost, "/api/campaigns", campaign, &res)
	return res, err
}

func (c *Client) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var res Campaign
	err := c.do(ctx, http.MethodGet, "/api/campaigns/"+id, nil, &res)
	return res, err
}

func (c *Client) ListCampaigns(ctx context.Context, status CampaignStatus) ([]Campaign, error) {
	path := "/api/campaigns"
	if status != "" {
		path += "?status=" + string(status)
	}
	var res []Campaign
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

type SubmitRequest struct {
	AudienceIDs     []string `json:"audience_ids"`
	EmergencyReason string   `json:"emergency_reason,omitempty"`
}

func (c *Client) SubmitCampaign(ctx context.Context, id string, req SubmitRequest) (Campaign, error) {
	var res Campaign
	err := c.do(ctx, http.MethodPost, "/api/campaigns/"+id+"/submit", req, &res)
	return res, err
}

type TestSendRequest struct {
	Recipients []string `json:"recipients"`
}

func (c *Client) TestSend(ctx context.Context, id string, recipients []string) error {
	return c.do(ctx, http.MethodPost, "/api/campaigns/"+id+"/test-send", TestSendRequest{Recipients: recipients}, nil)
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/campaigns/"+id+"/cancel", nil, nil)
}

func (c *Client) Requeue(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/campaigns/"+id+"/requeue", nil, nil)
}

func (c *Client) Summary(ctx context.Context, id string) (ReportSummary, error) {
	var res ReportSummary
	err := c.do(ctx, http.MethodGet, "/api/campaigns/"+id+"/report/summary", nil, &res)
	return res, err
}

func (c *Client) AddSuppression(ctx context.Context, entry SuppressionEntry) error {
	return c.do(ctx, http.MethodPost, "/api/suppression", entry, nil)
}

func (c *Client) ListSuppression(ctx context.Context) ([]SuppressionEntry, error) {
	var res []SuppressionEntry
	err := c.do(ctx, http.MethodGet, "/api/suppression", nil, &res)
	return res, err
}
