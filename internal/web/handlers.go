package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/campusworks/achievement-import/internal/core"
	"github.com/campusworks/achievement-import/internal/logging"
	"github.com/campusworks/achievement-import/internal/mapping"
)

// maxBodyBytes caps JSON request bodies. Templates are the largest.
const maxBodyBytes = 1 << 20

type sourceRequest struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	ViewID   string `json:"view_id"`
}

func (r sourceRequest) source() core.Source {
	return core.Source{
		AppToken: strings.TrimSpace(r.AppToken),
		TableID:  strings.TrimSpace(r.TableID),
		ViewID:   strings.TrimSpace(r.ViewID),
	}
}

func (r sourceRequest) validate() error {
	if strings.TrimSpace(r.AppToken) == "" || strings.TrimSpace(r.TableID) == "" {
		return badRequest{errors.New("app_token and table_id are required")}
	}
	return nil
}

type previewRequest struct {
	sourceRequest
	PreviewLimit int `json:"preview_limit"`
}

type importRequest struct {
	sourceRequest
	SkipInvalid *bool `json:"skip_invalid"`
}

type quickPreviewRequest struct {
	sourceRequest
	StudentName string `json:"student_name"`
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ok := s.importer.TestConnection(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"connected": ok})
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	appToken := strings.TrimSpace(chi.URLParam(r, "appToken"))
	if appToken == "" {
		respondError(w, r, badRequest{errors.New("app token is required")})
		return
	}
	tables, err := s.importer.ListRemoteTables(r.Context(), appToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, r, err)
		return
	}
	if req.PreviewLimit < 0 {
		respondError(w, r, badRequest{errors.New("preview_limit must not be negative")})
		return
	}

	result, err := s.importer.Preview(r.Context(), core.PreviewRequest{
		Source: req.source(),
		Limit:  req.PreviewLimit,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQuickPreview(w http.ResponseWriter, r *http.Request) {
	var req quickPreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.StudentName) == "" {
		respondError(w, r, badRequest{errors.New("student_name is required")})
		return
	}

	result, err := s.importer.PersonalizedPreview(r.Context(), req.source(), req.StudentName)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleImport runs the commit on the request context, so a client that
// disconnects cancels the import at the next row boundary.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, r, err)
		return
	}

	skipInvalid := s.cfg.Import.SkipInvalid
	if req.SkipInvalid != nil {
		skipInvalid = *req.SkipInvalid
	}

	log := logging.FromContext(r.Context(), nil)
	result, err := s.importer.Commit(r.Context(), core.CommitRequest{
		Source:      req.source(),
		SkipInvalid: skipInvalid,
		Operator:    core.OperatorFromContext(r.Context()),
		OnProgress: func(p core.ImportProgress) {
			if p.Phase == core.PhaseFetching || p.Phase == core.PhaseDone || p.Phase == core.PhaseCancelled {
				log.Debug("import progress", "phase", p.Phase, "percent", p.Percent())
			}
		},
	})
	if err != nil {
		if result != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			// Rows written before the stop are kept; report them.
			log.Warn("import stopped early", "run_id", result.RunID, "processed", result.Processed, "error", err)
			writeJSON(w, http.StatusOK, result)
			return
		}
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		respondError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		respondError(w, r, err)
		return
	}

	history, err := s.importer.ListImportRuns(r.Context(), page, pageSize)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest{fmt.Errorf("%s must be an integer", name)}
	}
	return n, nil
}

func (s *Server) handleImportRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.importer.GetImportRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFailureReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Buffer the workbook so a failure can still be reported as JSON.
	var buf bytes.Buffer
	if err := s.importer.FailureReport(r.Context(), id, &buf); err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="import-%s-failures.xlsx"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Error("write failure report", "run_id", id, "error", err)
	}
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	result, err := s.importer.RollbackRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.importer.GetTemplate(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl mapping.Template
	if err := decodeJSON(w, r, &tpl); err != nil {
		respondError(w, r, err)
		return
	}
	saved, err := s.importer.SaveTemplate(r.Context(), tpl)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleRetrySweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.importer.RetrySweep(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
