package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/release"
	"github.com/ruteri/tee-sealing-key-provider/wire"
)

const (
	// ContentTypeCBOR is the media type of protocol messages.
	ContentTypeCBOR = "application/cbor"

	maxBodySize = wire.MaxFrameSize
)

// Releaser runs the key release protocol for one request.
type Releaser interface {
	Release(ctx context.Context, req *interfaces.KeyRequest) (*interfaces.SealedKey, error)
	Identity() interfaces.SealingIdentity
}

// Attestor produces quotes of the provider itself.
type Attestor interface {
	AttestationType() interfaces.AttestationType
	Generate(ctx context.Context, reportData [interfaces.ReportDataSize]byte) (*interfaces.Quote, error)
}

// Handler processes key release and public attestation requests. Releases and
// quote generations take a slot of the worker pool.
type Handler struct {
	releaser Releaser
	attestor Attestor
	pool     *release.WorkerPool
	log      *slog.Logger
}

// NewHandler creates a handler. The pool should be the one shared with the
// stream transport; a nil pool gets a single worker.
func NewHandler(releaser Releaser, attestor Attestor, pool *release.WorkerPool, log *slog.Logger) *Handler {
	if pool == nil {
		pool = release.NewWorkerPool(1, 0)
	}
	return &Handler{
		releaser: releaser,
		attestor: attestor,
		pool:     pool,
		log:      log,
	}
}

// StatusForCode maps a reject code to the HTTP status of the error response.
func StatusForCode(code interfaces.RejectCode) int {
	switch code {
	case interfaces.MalformedRequest:
		return http.StatusBadRequest
	case interfaces.EvidenceInvalid:
		return http.StatusForbidden
	case interfaces.ReplayDetected:
		return http.StatusConflict
	case interfaces.Overloaded:
		return http.StatusTooManyRequests
	case interfaces.QuoteGenerationFailed:
		return http.StatusServiceUnavailable
	case interfaces.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HandleRelease runs one key release.
//
// URL format: POST /api/attested/release
// Request body: CBOR KeyRequest envelope
// Response: CBOR SealedKey envelope, or an Error envelope holding only the reject code
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.log.Debug("Failed to read request body", "err", err)
		h.writeRejection(w, interfaces.MalformedRequest)
		return
	}

	req, err := wire.DecodeKeyRequest(body)
	if err != nil {
		h.log.Debug("Failed to decode key request", "err", err)
		h.writeRejection(w, interfaces.MalformedRequest)
		return
	}

	done, err := h.pool.Acquire(r.Context())
	if err != nil {
		h.log.Info("No worker available", "err", err)
		h.writeRejection(w, interfaces.Timeout)
		return
	}
	sk, err := h.releaser.Release(r.Context(), req)
	done()
	if err != nil {
		code, ok := interfaces.RejectCodeOf(err)
		if !ok {
			h.log.Error("Release returned an unclassified error", "err", err)
			code = interfaces.MalformedRequest
		}
		h.writeRejection(w, code)
		return
	}

	resp, err := wire.EncodeSealedKey(sk)
	if err != nil {
		h.log.Error("Failed to encode sealed key", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentTypeCBOR)
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func (h *Handler) writeRejection(w http.ResponseWriter, code interfaces.RejectCode) {
	resp, err := wire.EncodeError(code)
	if err != nil {
		h.log.Error("Failed to encode error response", "err", err, "code", code.String())
		http.Error(w, code.String(), StatusForCode(code))
		return
	}

	w.Header().Set("Content-Type", ContentTypeCBOR)
	w.WriteHeader(StatusForCode(code))
	w.Write(resp)
}

// IdentityResponse describes the provider's sealing identity.
type IdentityResponse struct {
	Measurement     string `json:"measurement"`
	PolicyVersion   uint32 `json:"policy_version"`
	ProductID       uint32 `json:"product_id"`
	AttestationType string `json:"attestation_type"`
}

// HandleIdentity returns the provider's sealing identity.
//
// URL format: GET /api/public/identity
func (h *Handler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	id := h.releaser.Identity()
	writeJSON(w, http.StatusOK, &IdentityResponse{
		Measurement:     id.Measurement.String(),
		PolicyVersion:   id.PolicyVersion,
		ProductID:       id.ProductID,
		AttestationType: string(h.attestor.AttestationType()),
	})
}

// AttestationResponse is a provider quote over interfaces.IdentityReportData.
type AttestationResponse struct {
	Type        string    `json:"type"`
	Measurement string    `json:"measurement"`
	ReportData  string    `json:"report_data"`
	Signature   string    `json:"signature"`
	Timestamp   time.Time `json:"timestamp"`
}

// HandleAttestation lets a verifier check the provider identity before sending
// any request. The quote's report data commits to the verifier's nonce and the
// sealing identity.
//
// URL format: GET /api/public/attestation/{nonce}
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	nonceBytes, err := hex.DecodeString(chi.URLParam(r, "nonce"))
	if err != nil {
		http.Error(w, "Invalid nonce format", http.StatusBadRequest)
		return
	}
	nonce, err := interfaces.NewNonceFromBytes(nonceBytes)
	if err != nil || nonce.IsZero() {
		http.Error(w, "Invalid nonce format", http.StatusBadRequest)
		return
	}

	done, err := h.pool.Acquire(r.Context())
	if err != nil {
		http.Error(w, "Attestation unavailable", http.StatusGatewayTimeout)
		return
	}
	quote, err := h.attestor.Generate(r.Context(), interfaces.IdentityReportData(nonce, h.releaser.Identity()))
	done()
	if err != nil {
		h.log.Error("Failed to generate identity attestation", "err", err)
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, "Attestation unavailable", status)
		return
	}

	writeJSON(w, http.StatusOK, &AttestationResponse{
		Type:        string(quote.Type),
		Measurement: quote.Measurement.String(),
		ReportData:  hex.EncodeToString(quote.ReportData[:]),
		Signature:   hex.EncodeToString(quote.Signature),
		Timestamp:   quote.Timestamp,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
