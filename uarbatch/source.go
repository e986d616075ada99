package uarbatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/uar_backend/config"
	"github.com/mmdatafocus/uar_backend/models"
)

// Source is one upstream PIC directory.
type Source interface {
	Name() string
	Fetch(ctx context.Context, schedule models.SyncSchedule) ([]models.UarPic, error)
}

// httpSource reads a PIC directory exposed as a JSON list endpoint.
type httpSource struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewHTTPSources builds the five directory sources from UAR_SOURCE_<n>_URL.
// Timeouts are applied per fetch by the sync worker.
func NewHTTPSources(cfg config.PipelineConfig) []Source {
	sources := make([]Source, 0, len(cfg.SourceURLs))
	client := &http.Client{}
	for i, u := range cfg.SourceURLs {
		sources = append(sources, &httpSource{
			name:    fmt.Sprintf("source_%d", i+1),
			baseURL: strings.TrimRight(u, "/"),
			http:    client,
		})
	}
	return sources
}

func (s *httpSource) Name() string { return s.name }

type sourceListResponse struct {
	Data  []models.UarPic `json:"data"`
	Items []models.UarPic `json:"items"`
}

func (s *httpSource) Fetch(ctx context.Context, schedule models.SyncSchedule) ([]models.UarPic, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("%s: %w", s.name, ErrSourceNotConfigured)
	}
	params := url.Values{}
	params.Set("schedule_id", strconv.FormatUint(uint64(schedule.ID), 10))
	endpoint := s.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s api error %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return decodePicList(body)
}

// decodePicList accepts a bare JSON array or an object with "data" or "items".
func decodePicList(body []byte) ([]models.UarPic, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []models.UarPic
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var parsed sourceListResponse
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) > 0 {
		return parsed.Data, nil
	}
	return parsed.Items, nil
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
