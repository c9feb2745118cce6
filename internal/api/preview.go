package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelfit/internal/domain"
	"github.com/dunamismax/pixelfit/internal/pipeline"
	"github.com/dunamismax/pixelfit/internal/preview"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const previewSessionHeader = "X-Preview-Session"

// handlePreview renders one image synchronously. Requests sharing a
// preview session supersede each other so only the newest one completes.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.previewMaxBytes+maxBodyBytes)
	if err := r.ParseMultipartForm(s.previewMaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("preview upload exceeds %s", humanize.IBytes(uint64(s.previewMaxBytes))))
			return
		}
		writeError(w, http.StatusBadRequest, "preview upload must be multipart/form-data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image part is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.previewMaxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image part")
		return
	}
	if int64(len(data)) > s.previewMaxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds preview limit")
		return
	}

	var cfg domain.TransformConfig
	if raw := strings.TrimSpace(r.FormValue("config")); raw != "" {
		if err := strictJSON.UnmarshalFromString(raw, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
			return
		}
	}

	render := func(ctx context.Context) (pipeline.Result, error) {
		return s.engine.ProcessBytes(ctx, data, cfg)
	}

	var res pipeline.Result
	if session := strings.TrimSpace(r.Header.Get(previewSessionHeader)); session != "" {
		res, err = s.previews.Supervisor(session).Submit(r.Context(), preview.Func(render))
	} else {
		res, err = render(r.Context())
	}
	if err != nil {
		status, outcome := previewFailure(err)
		s.metrics.previewTotal.WithLabelValues(outcome).Inc()
		if status >= http.StatusInternalServerError {
			s.logger.Error("preview render failed", zap.String("file", header.Filename), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	s.metrics.previewTotal.WithLabelValues(string(res.Mode)).Inc()

	h := w.Header()
	h.Set("Content-Type", res.Format.ContentType())
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", domain.OutputFileName(header.Filename, res.Format)))
	h.Set("X-Pixelfit-Width", strconv.Itoa(res.Width))
	h.Set("X-Pixelfit-Height", strconv.Itoa(res.Height))
	h.Set("X-Pixelfit-Mode", string(res.Mode))
	h.Set("X-Pixelfit-Quality", strconv.FormatFloat(res.Quality, 'f', 3, 64))
	h.Set("X-Pixelfit-Attempts", strconv.Itoa(res.Attempts))
	h.Set("X-Pixelfit-Budget-Met", strconv.FormatBool(res.BudgetMet))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func previewFailure(err error) (int, string) {
	switch {
	case errors.Is(err, preview.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, pipeline.ErrUndecodable):
		return http.StatusUnsupportedMediaType, "undecodable"
	case pipeline.IsPermanent(err):
		return http.StatusUnprocessableEntity, "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "error"
	}
}
