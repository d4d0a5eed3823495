package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
)

// Dispatcher posts qualifying assets to the boot-test trigger API with the
// shared API key.
type Dispatcher struct {
	log     logrus.FieldLogger
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewDispatcher creates a dispatcher for the given trigger API.
func NewDispatcher(
	log logrus.FieldLogger, baseURL, apiKey string,
) *Dispatcher {
	return &Dispatcher{
		log:     log.WithField("component", "dispatcher"),
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// TriggerRequest is the body of POST /api/trigger-boot-test.
type TriggerRequest struct {
	URL    string                 `json:"url"`
	GitHub *metrics.GitHubContext `json:"github_context,omitempty"`
}

// TriggerResponse is the trigger API's reply.
type TriggerResponse struct {
	Status         string `json:"status"`
	TestID         uint   `json:"test_id,omitempty"`
	PreviousTestID uint   `json:"previous_test_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Dispatch enqueues one asset and returns the API's verdict.
func (d *Dispatcher) Dispatch(
	ctx context.Context, asset Asset, gh *metrics.GitHubContext,
) (*TriggerResponse, error) {
	body, err := json.Marshal(TriggerRequest{
		URL:    asset.BrowserDownloadURL,
		GitHub: gh,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding trigger request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		d.baseURL+"/api/trigger-boot-test",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("building trigger request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting trigger request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("reading trigger response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"trigger api returned %s: %s", resp.Status, string(data),
		)
	}

	var tr TriggerResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decoding trigger response: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"asset":  asset.Name,
		"status": tr.Status,
	}).Info("Asset dispatched")

	return &tr, nil
}
