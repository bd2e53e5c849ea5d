// Package restapi implements the REST gateway for statement uploads.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mtiwari1/statementd/internal/ingest"
	"github.com/mtiwari1/statementd/internal/repository"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// multipartMemory is how much of a form ParseMultipartForm keeps in memory.
	multipartMemory = 8 << 20
)

// Ingester runs the ingestion pipeline for one upload.
type Ingester interface {
	Ingest(ctx context.Context, data []byte, originalName string) (*repository.StatementRecord, error)
}

// Handler holds dependencies for REST endpoints.
type Handler struct {
	ingester       Ingester
	repo           repository.Repository
	uploadDir      string
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewHandler creates a new REST handler. uploadDir is only checked by /healthz.
func NewHandler(
	ingester Ingester,
	repo repository.Repository,
	uploadDir string,
	maxUploadBytes int64,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ingester:       ingester,
		repo:           repo,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// RegisterRoutes attaches all REST routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/upload", h.upload)
	mux.HandleFunc("GET /api/statements/{id}", h.getStatement)
	mux.HandleFunc("GET /api/statements", h.listStatements)
	mux.HandleFunc("GET /healthz", h.healthz)
}

// uploadResponse is the body of every POST /api/upload reply. Data is the
// parsed document itself.
type uploadResponse struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	StatementID string         `json:"statementId,omitempty"`
	IssuerBank  string         `json:"issuerBank,omitempty"`
	Status      string         `json:"status,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ---------- POST /api/upload ----------

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	logger := h.logger.With(slog.String("request_id", requestID))

	logger.Info("upload request received")

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("upload too large", slog.Int64("limit", tooLarge.Limit))
			writeJSON(w, http.StatusRequestEntityTooLarge, uploadResponse{Message: "Uploaded file is too large."})
			return
		}
		logger.Warn("invalid multipart form", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, uploadResponse{Message: "Invalid multipart form."})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeJSON(w, http.StatusBadRequest, uploadResponse{Message: "No file was uploaded."})
			return
		}
		logger.Warn("form file error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, uploadResponse{Message: "Invalid multipart form."})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		logger.Error("read upload", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, uploadResponse{Message: "Failed to read the uploaded file."})
		return
	}

	logger.Info("upload read",
		slog.String("original_name", header.Filename),
		slog.Int("size", len(data)),
	)

	rec, err := h.ingester.Ingest(r.Context(), data, header.Filename)
	if err != nil {
		code, resp := uploadError(err)
		logger.Warn("upload failed",
			slog.Int("status", code),
			slog.String("statement_id", resp.StatementID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, code, resp)
		return
	}

	logger.Info("upload parsed",
		slog.String("statement_id", rec.ID),
		slog.String("issuer_bank", rec.IssuerBank),
	)

	w.Header().Set("Location", "/api/statements/"+rec.ID)
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:     true,
		Message:     "File uploaded and parsed successfully (" + rec.IssuerBank + ")",
		StatementID: rec.ID,
		IssuerBank:  rec.IssuerBank,
		Status:      string(rec.Status),
		Data:        rec.ParsedData,
	})
}

// uploadError maps a pipeline error to an HTTP status and reply body.
// Raw diagnostics never reach the client.
func uploadError(err error) (int, uploadResponse) {
	var ierr *ingest.Error
	if !errors.As(err, &ierr) {
		return http.StatusInternalServerError, uploadResponse{Message: "Internal server error."}
	}

	resp := uploadResponse{Message: ierr.Public, StatementID: ierr.StatementID()}
	if errors.Is(ierr, ingest.ErrMissingInput) {
		return http.StatusBadRequest, resp
	}
	return http.StatusInternalServerError, resp
}

// ---------- GET /api/statements/{id} ----------

func (h *Handler) getStatement(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	logger := h.logger.With(slog.String("request_id", requestID))

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid statement id", http.StatusBadRequest)
		return
	}

	logger.Info("get statement request", slog.String("statement_id", id))

	rec, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "statement not found", http.StatusNotFound)
			return
		}
		logger.Error("get statement", slog.String("statement_id", id), slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec.Public())
}

// ---------- GET /api/statements ----------

func (h *Handler) listStatements(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	logger := h.logger.With(slog.String("request_id", requestID))

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	logger.Info("list statements request", slog.Int("limit", limit))

	records, err := h.repo.ListRecent(r.Context(), limit)
	if err != nil {
		logger.Error("list statements", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	out := make([]*repository.StatementRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------- GET /healthz ----------

// healthz verifies connectivity to the database and the upload directory.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	result := map[string]string{"status": "ok"}
	httpStatus := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		result["status"] = "degraded"
		result["database"] = "unreachable: " + err.Error()
		httpStatus = http.StatusServiceUnavailable
	} else {
		result["database"] = "connected"
	}

	if info, err := os.Stat(h.uploadDir); err != nil || !info.IsDir() {
		result["status"] = "degraded"
		if err != nil {
			result["disk"] = "upload dir inaccessible: " + err.Error()
		} else {
			result["disk"] = "upload dir is not a directory"
		}
		httpStatus = http.StatusServiceUnavailable
	} else {
		result["disk"] = "ok"
	}

	writeJSON(w, httpStatus, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
