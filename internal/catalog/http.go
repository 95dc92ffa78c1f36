package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource talks to a JSON status catalog:
//
//	GET  {base}/events?category=issue&nextToken=...
//	POST {base}/events/details   {"eventArns": [...]}
type HTTPSource struct {
	base  string
	token string
	http  *http.Client
}

func NewHTTPSource(baseURL, token string, timeout time.Duration, hc *http.Client) (*HTTPSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("catalog: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("catalog: base url: %w", err)
	}
	if hc == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{base: baseURL, token: token, http: hc}, nil
}

func (s *HTTPSource) ListEvents(ctx context.Context, f Filter, nextToken string) (Page, error) {
	q := url.Values{}
	for _, c := range f.Categories {
		q.Add("category", c)
	}
	if nextToken != "" {
		q.Set("nextToken", nextToken)
	}
	u := s.base + "/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Page{}, err
	}
	var page Page
	if err := s.do(req, &page); err != nil {
		return Page{}, fmt.Errorf("catalog: list events: %w", err)
	}
	return page, nil
}

type detailsResponse struct {
	SuccessfulSet []struct {
		Event struct {
			ARN string `json:"arn"`
		} `json:"event"`
		EventDescription *struct {
			LatestDescription *string `json:"latestDescription"`
		} `json:"eventDescription"`
	} `json:"successfulSet"`
	FailedSet []struct {
		EventArn     string `json:"eventArn"`
		ErrorName    string `json:"errorName"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"failedSet"`
}

func (s *HTTPSource) DescribeDetails(ctx context.Context, arns []string) ([]Detail, []DetailFailure, error) {
	if len(arns) > MaxDetailBatch {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(arns), MaxDetailBatch)
	}
	if len(arns) == 0 {
		return nil, nil, nil
	}
	body, err := json.Marshal(map[string][]string{"eventArns": arns})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/events/details", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp detailsResponse
	if err := s.do(req, &resp); err != nil {
		return nil, nil, fmt.Errorf("catalog: describe details: %w", err)
	}

	details := make([]Detail, 0, len(resp.SuccessfulSet))
	for _, it := range resp.SuccessfulSet {
		d := Detail{ARN: it.Event.ARN}
		if it.EventDescription != nil && it.EventDescription.LatestDescription != nil {
			d.LatestDescription = *it.EventDescription.LatestDescription
			d.HasDescription = true
		}
		details = append(details, d)
	}
	var failed []DetailFailure
	for _, it := range resp.FailedSet {
		failed = append(failed, DetailFailure{ARN: it.EventArn, Code: it.ErrorName, Message: it.ErrorMessage})
	}
	return details, failed, nil
}

func (s *HTTPSource) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
