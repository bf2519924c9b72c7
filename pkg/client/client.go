// Package client is the HTTP client node agents and tools use against the
// daemon's API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

// Client talks to a marketd daemon.
type Client struct {
	baseURL string
	signer  signing.Signer
	http    *http.Client
}

// New creates a client. The signer is used for heartbeat and metric
// submissions; it may be nil for read-only use.
func New(baseURL string, signer signing.Signer) *Client {
	return &Client{
		baseURL: baseURL,
		signer:  signer,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterNodeRequest mirrors the registration body.
type RegisterNodeRequest struct {
	NodeID          string             `json:"node_id"`
	ClusterID       string             `json:"cluster_id"`
	ProviderAddress string             `json:"provider_address"`
	PublicKey       string             `json:"public_key"`
	Hostname        string             `json:"hostname"`
	Capacity        types.NodeCapacity `json:"capacity"`
	Locality        types.NodeLocality `json:"locality"`
}

type heartbeatEnvelope struct {
	Heartbeat *types.Heartbeat `json:"heartbeat"`
	Auth      struct {
		Signature string `json:"signature"`
	} `json:"auth"`
}

type metricsRequest struct {
	Records []aggregator.MetricRecord `json:"records"`
}

// MetricsResult summarizes a metric batch submission.
type MetricsResult struct {
	Accepted int                         `json:"accepted"`
	Rejected []aggregator.RejectedRecord `json:"rejected,omitempty"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RegisterNode registers this agent's node, filling the public key from
// the signer.
func (c *Client) RegisterNode(ctx context.Context, req RegisterNodeRequest) (*types.Node, error) {
	if req.PublicKey == "" && c.signer != nil {
		req.PublicKey = base64.StdEncoding.EncodeToString(c.signer.PublicKey())
	}
	var node types.Node
	if err := c.post(ctx, "/api/v1/hpc/nodes/register", req, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// SubmitHeartbeat signs and submits one heartbeat. A rejected heartbeat
// returns the ack alongside the error so callers can read the machine
// codes and the sequence acknowledgement.
func (c *Client) SubmitHeartbeat(ctx context.Context, hb *types.Heartbeat) (*aggregator.HeartbeatAck, error) {
	sig, err := signing.SignCanonical(c.signer, hb)
	if err != nil {
		return nil, err
	}
	var env heartbeatEnvelope
	env.Heartbeat = hb
	env.Auth.Signature = sig

	var ack aggregator.HeartbeatAck
	err = c.post(ctx, "/api/v1/hpc/nodes/"+hb.NodeID+"/heartbeat", env, &ack)
	if err != nil && ack.Errors == nil {
		return nil, err
	}
	if !ack.Accepted && err == nil {
		err = errdefs.Conflict("heartbeat_rejected", "heartbeat was not accepted")
	}
	return &ack, err
}

// SubmitMetrics submits a signed metric batch for billable resources.
func (c *Client) SubmitMetrics(ctx context.Context, nodeID string, records []aggregator.MetricRecord) (*MetricsResult, error) {
	var result MetricsResult
	if err := c.post(ctx, "/api/v1/hpc/nodes/"+nodeID+"/metrics", metricsRequest{Records: records}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetNode fetches the daemon's view of a node.
func (c *Client) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	var node types.Node
	if err := c.get(ctx, "/api/v1/hpc/nodes/"+nodeID, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// GetJob fetches a job's current state.
func (c *Client) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	var job types.Job
	if err := c.get(ctx, "/api/v1/hpc/jobs/"+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do executes the request and decodes either the payload or the error
// body. Error bodies are rebuilt into typed errors so callers can branch
// on class and code.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Transient("request_failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errdefs.Transient("response_read_failed", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.Unmarshal(raw, out)
	}

	var apiErr apiError
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
		class := classForStatus(resp.StatusCode)
		// Rejected heartbeats answer with the ack body, not an error body;
		// surface both to the caller.
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return errdefs.New(class, apiErr.Error.Code, apiErr.Error.Message)
	}
	if out != nil && json.Unmarshal(raw, out) == nil {
		return errdefs.New(classForStatus(resp.StatusCode), "request_rejected",
			fmt.Sprintf("server answered %d", resp.StatusCode))
	}
	return errdefs.New(classForStatus(resp.StatusCode), "unexpected_response",
		fmt.Sprintf("server answered %d: %s", resp.StatusCode, raw))
}

func classForStatus(status int) errdefs.Class {
	switch {
	case status == http.StatusConflict:
		return errdefs.ClassConflict
	case status == http.StatusForbidden:
		return errdefs.ClassPolicy
	case status >= 400 && status < 500:
		return errdefs.ClassValidation
	case status == http.StatusServiceUnavailable:
		return errdefs.ClassTransient
	default:
		return errdefs.ClassFatal
	}
}
