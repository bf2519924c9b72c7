package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

type registerRequest struct {
	NodeID          string             `json:"node_id"`
	ClusterID       string             `json:"cluster_id"`
	ProviderAddress string             `json:"provider_address"`
	PublicKey       string             `json:"public_key"` // base64 ed25519
	Hostname        string             `json:"hostname"`
	Capacity        types.NodeCapacity `json:"capacity"`
	Locality        types.NodeLocality `json:"locality"`
}

type heartbeatEnvelope struct {
	Heartbeat types.Heartbeat `json:"heartbeat"`
	Auth      struct {
		Signature string `json:"signature"`
	} `json:"auth"`
}

type metricsRequest struct {
	Records []aggregator.MetricRecord `json:"records"`
}

type metricsResponse struct {
	Accepted int                         `json:"accepted"`
	Rejected []aggregator.RejectedRecord `json:"rejected,omitempty"`
}

type submitJobRequest struct {
	JobID           string                     `json:"job_id"`
	OfferingID      string                     `json:"offering_id"`
	CustomerAddress string                     `json:"customer_address"`
	EscrowID        string                     `json:"escrow_id"`
	Workload        types.WorkloadSpec         `json:"workload"`
	Resources       types.JobResources         `json:"resources"`
	Constraints     types.PlacementConstraints `json:"constraints"`
	MaxRuntimeSec   int64                      `json:"max_runtime_seconds"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type lifecycleCallback struct {
	JobID    string `json:"job_id"`
	Event    string `json:"event"`
	ExitCode int32  `json:"exit_code"`
	Reason   string `json:"reason"`
}

type errorBody struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id,omitempty"`
	} `json:"error"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		writeError(w, r, errdefs.Validation("invalid_public_key", "public key is not valid base64"))
		return
	}

	regErr := s.agg.RegisterNode(&aggregator.RegisterRequest{
		NodeID:          req.NodeID,
		ClusterID:       req.ClusterID,
		ProviderAddress: req.ProviderAddress,
		PublicKey:       key,
		Hostname:        req.Hostname,
		Capacity:        req.Capacity,
		Locality:        req.Locality,
	})
	if regErr != nil && !errdefs.IsClass(regErr, errdefs.ClassConflict) {
		writeError(w, r, regErr)
		return
	}

	node, _ := s.agg.GetNode(req.NodeID)
	status := http.StatusCreated
	if regErr != nil {
		// Same node, same key: idempotent re-registration.
		status = http.StatusOK
	}
	writeJSON(w, status, node)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var env heartbeatEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	if nodeID := chi.URLParam(r, "nodeID"); env.Heartbeat.NodeID != nodeID {
		writeError(w, r, errdefs.Validation("node_id_mismatch", "path and body node ids differ"))
		return
	}

	ack, err := s.agg.SubmitHeartbeat(&env.Heartbeat, env.Auth.Signature)
	if ack == nil {
		writeError(w, r, err)
		return
	}
	// Rejections still answer with the ack envelope so agents can read the
	// machine code; the status line mirrors the error class.
	status := http.StatusOK
	if err != nil {
		switch errdefs.ClassOf(err) {
		case errdefs.ClassConflict:
			status = http.StatusConflict
		case errdefs.ClassPolicy:
			status = http.StatusForbidden
		default:
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, ack)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var req metricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	accepted, rejected := s.agg.SubmitMetricsBatch(chi.URLParam(r, "nodeID"), req.Records)
	writeJSON(w, http.StatusOK, metricsResponse{Accepted: accepted, Rejected: rejected})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := s.agg.GetNode(chi.URLParam(r, "nodeID"))
	if !ok {
		writeError(w, r, errdefs.Validation("node_not_found", "unknown node"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.ListNodes())
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}

	job := &types.Job{
		ID:              req.JobID,
		OfferingID:      req.OfferingID,
		CustomerAddress: req.CustomerAddress,
		EscrowID:        req.EscrowID,
		Workload:        req.Workload,
		Resources:       req.Resources,
		Constraints:     req.Constraints,
		MaxRuntime:      secondsToDuration(req.MaxRuntimeSec),
	}
	if err := s.engine.SubmitJob(job); err != nil {
		if errdefs.IsClass(err, errdefs.ClassConflict) {
			// Resubmission: answer with the job already admitted.
			existing, _ := s.engine.GetJob(req.JobID)
			writeJSON(w, http.StatusOK, existing)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.GetJob(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, r, errdefs.Validation("job_not_found", "unknown job"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListJobs())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	if err := s.engine.Cancel(jobID, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	job, _ := s.engine.GetJob(jobID)
	writeJSON(w, http.StatusOK, job)
}

// handleLifecycleCallback ingests provider-side lifecycle reports. The
// body must be signed under the provider key. Callbacks that cannot be
// reconciled are dropped with a 200 so the provider does not retry them
// forever.
func (s *Server) handleLifecycleCallback(w http.ResponseWriter, r *http.Request) {
	var cb lifecycleCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	sig := r.Header.Get("X-Provider-Signature")
	if !signing.VerifyCanonical(s.callbackKey, &cb, sig) {
		writeError(w, r, errdefs.Policy("invalid_callback_signature", "callback signature does not verify"))
		return
	}

	var err error
	switch cb.Event {
	case "provision_succeeded":
		err = s.engine.AckDispatch(cb.JobID)
	case "started":
		err = s.engine.ReportStarted(cb.JobID)
	case "completed":
		err = s.engine.ReportCompleted(cb.JobID, cb.ExitCode)
	case "provision_failed", "failed":
		reason := cb.Reason
		if reason == "" {
			reason = "provider reported " + cb.Event
		}
		err = s.engine.ReportFailed(cb.JobID, reason)
	case "terminate_succeeded", "terminate_failed":
		// Termination outcomes confirm a cancellation already applied.
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	default:
		writeError(w, r, errdefs.Validation("unknown_event", "unrecognized lifecycle event "+cb.Event))
		return
	}

	if err != nil {
		code := errdefs.CodeOf(err)
		if code == "job_not_found" || code == "invalid_transition" {
			s.logger.Warn().
				Str("job_id", cb.JobID).
				Str("event", cb.Event).
				Str("code", code).
				Msg("dropping unreconcilable lifecycle callback")
			writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "code": code})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error class to a status line and emits a stable code
// with a human-readable message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var body errorBody
	body.Error.Code = errdefs.CodeOf(err)
	body.Error.Message = err.Error()

	status := http.StatusInternalServerError
	switch errdefs.ClassOf(err) {
	case errdefs.ClassValidation:
		status = http.StatusBadRequest
		if body.Error.Code == "job_not_found" || body.Error.Code == "node_not_found" {
			status = http.StatusNotFound
		}
	case errdefs.ClassPolicy:
		status = http.StatusForbidden
	case errdefs.ClassConflict:
		status = http.StatusConflict
	case errdefs.ClassTransient:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	default:
		// Internal failure: expose only a correlation id.
		body.Error.Message = "internal error"
		body.Error.CorrelationID = middleware.GetReqID(r.Context())
	}
	writeJSON(w, status, body)
}

func secondsToDuration(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}
