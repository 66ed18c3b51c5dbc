package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/trial-signal-server/internal/domain"
)

// RecordGatewayClient fetches sampled domain records from the clinical data
// gateway for live monitoring checks.
type RecordGatewayClient struct {
	baseURL    string
	sampleSize int
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger
}

// NewRecordGatewayClient creates a record provider backed by the data gateway.
func NewRecordGatewayClient(baseURL string, sampleSize int, logger *logrus.Logger) *RecordGatewayClient {
	if sampleSize <= 0 {
		sampleSize = 100
	}
	return &RecordGatewayClient{
		baseURL:    baseURL,
		sampleSize: sampleSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 1),
		log:        logger,
	}
}

// FetchRecords retrieves a sample of records for one trial and source.
func (c *RecordGatewayClient) FetchRecords(ctx context.Context, trialID int64, source domain.DataSource) ([]domain.DomainRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/trials/%d/records?source=%s&limit=%d",
		c.baseURL, trialID, url.QueryEscape(source.String()), c.sampleSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating records request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing records request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading records response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("data gateway error (status %d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing records response: %w", err)
	}

	records := make([]domain.DomainRecord, 0, len(payload.Records))
	for _, fields := range payload.Records {
		records = append(records, domain.DomainRecord{Source: source, Fields: fields})
	}

	c.log.WithFields(logrus.Fields{
		"trial_id": trialID,
		"source":   source.String(),
		"records":  len(records),
	}).Debug("Fetched records from data gateway")

	return records, nil
}

// NoRecordsProvider satisfies the record-provider port when no data gateway
// is configured. Monitoring sessions run their loop but see no records.
type NoRecordsProvider struct{}

// FetchRecords always returns an empty batch.
func (NoRecordsProvider) FetchRecords(ctx context.Context, trialID int64, source domain.DataSource) ([]domain.DomainRecord, error) {
	return nil, nil
}
