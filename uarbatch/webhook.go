package uarbatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmdatafocus/uar_backend/appctx"
)

// WebhookPayload is the body posted to the external workflow endpoint.
type WebhookPayload struct {
	RecipientEmail   string  `json:"recipientEmail"`
	RecipientTeamsId string  `json:"recipientTeamsId"`
	CcEmail          string  `json:"ccEmail"`
	EmailSubject     string  `json:"emailSubject"`
	EmailBodyCode    string  `json:"emailBodyCode"`
	TeamsSubject     string  `json:"teamsSubject"`
	TeamsBodyCode    string  `json:"teamsBodyCode"`
	ItemCode         string  `json:"itemCode"`
	RequestId        string  `json:"requestId"`
	DueDate          *string `json:"dueDate"`
	TaskCount        int     `json:"taskCount"`
}

type WebhookResponse struct {
	OK     bool
	Status int
	Body   string
}

// WorkflowPoster delivers one payload to the workflow endpoint.
type WorkflowPoster interface {
	Post(ctx context.Context, url string, payload WebhookPayload) (WebhookResponse, error)
}

type WorkflowClient struct {
	http *http.Client
}

func NewWorkflowClient(timeout time.Duration) *WorkflowClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WorkflowClient{http: &http.Client{Timeout: timeout}}
}

func (c *WorkflowClient) Post(ctx context.Context, url string, payload WebhookPayload) (WebhookResponse, error) {
	if url == "" {
		return WebhookResponse{}, ErrWorkflowURLMissing
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return WebhookResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return WebhookResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cid, ok := appctx.GetCorrelationId(ctx); ok {
		req.Header.Set("x-correlation-id", cid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("post workflow: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return WebhookResponse{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   string(body),
	}, nil
}
