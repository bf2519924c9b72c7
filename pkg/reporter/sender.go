package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/outbox"
	"github.com/virtengine/marketd/pkg/types"
)

// marketplaceUsage is the wire format the marketplace accepts.
type marketplaceUsage struct {
	Resource    string             `json:"resource"`
	PeriodStart string             `json:"period_start"`
	PeriodEnd   string             `json:"period_end"`
	Usages      map[string]float64 `json:"usages"`
	IsFinal     bool               `json:"is_final"`
}

type usageResponse struct {
	UUID string `json:"uuid"`
}

// MarketplaceSender posts usage records to the marketplace back-office.
// Duplicate submissions come back 200 with the originally assigned id, so
// redelivery after an ambiguous failure is safe.
type MarketplaceSender struct {
	baseURL   string
	signature string
	client    *http.Client
}

// NewMarketplaceSender creates a sender for the given marketplace base URL.
// The provider signature header authenticates the submissions.
func NewMarketplaceSender(baseURL, providerAddress string) *MarketplaceSender {
	return &MarketplaceSender{
		baseURL:   baseURL,
		signature: providerAddress,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Send implements outbox.Sender for usage entries.
func (s *MarketplaceSender) Send(ctx context.Context, entry *types.OutboxEntry) error {
	var record types.UsageRecord
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		return errdefs.Wrap(err, errdefs.ClassFatal, "payload_decode", "malformed usage payload")
	}

	body, err := json.Marshal(marketplaceUsage{
		Resource:    record.ResourceID,
		PeriodStart: record.PeriodStart.UTC().Format(time.RFC3339),
		PeriodEnd:   record.PeriodEnd.UTC().Format(time.RFC3339),
		Usages: map[string]float64{
			"cpu_hours":        record.Metrics.CPUHours,
			"mem_gb_hours":     record.Metrics.MemGBHours,
			"gpu_hours":        record.Metrics.GPUHours,
			"storage_gb_hours": record.Metrics.StorageGBHours,
			"network_gb":       record.Metrics.NetworkGB,
		},
		IsFinal: record.IsFinal,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/usage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Provider-Address", s.signature)
	req.Header.Set("X-Provider-Signature", record.ProviderSignature)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("marketplace returned %d: %s", resp.StatusCode, raw)
	}

	var parsed usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("marketplace response unreadable: %w", err)
	}
	if parsed.UUID == "" {
		return fmt.Errorf("marketplace response missing uuid")
	}
	return nil
}

var _ outbox.Sender = (*MarketplaceSender)(nil)
