package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"recordexport/internal/apperr"
	"recordexport/internal/archive"
	"recordexport/internal/middleware"
)

type Handler struct {
	service          *Service
	maxManifestBytes int64
}

func NewHandler(s *Service, maxManifestBytes int64) *Handler {
	if maxManifestBytes <= 0 {
		maxManifestBytes = 10 << 20
	}
	return &Handler{service: s, maxManifestBytes: maxManifestBytes}
}

func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Query().Get("key")

	slog.InfoContext(ctx, "fetching object", "key", key)

	dl, err := h.service.FetchObject(ctx, r.URL.Query().Get("bucket"), key)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	h.writeDownload(ctx, w, dl)
}

func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	prefix := r.URL.Query().Get("prefix")

	slog.InfoContext(ctx, "listing objects", "prefix", prefix)

	objs, err := h.service.ListObjects(ctx, r.URL.Query().Get("bucket"), prefix)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": objs,
		"meta": map[string]int{"count": len(objs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) RecordArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityID := r.PathValue("entityId")
	recordID := r.PathValue("recordId")

	slog.InfoContext(ctx, "building record archive", "entity_id", entityID, "record_id", recordID)

	dl, err := h.service.RecordArchive(ctx, r.URL.Query().Get("bucket"), entityID, recordID)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	h.writeDownload(ctx, w, dl)
}

func (h *Handler) BatchExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxManifestBytes)

	if err := r.ParseMultipartForm(h.maxManifestBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(ctx, w, "VALIDATION_ERROR", fmt.Sprintf("manifest exceeds %d bytes", h.maxManifestBytes), http.StatusBadRequest, nil)
			return
		}
		h.writeError(ctx, w, "VALIDATION_ERROR", "request must be multipart/form-data", http.StatusBadRequest, nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("manifest")
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "manifest file is required", http.StatusBadRequest, nil)
		return
	}
	defer file.Close()

	artifact := r.FormValue("artifact")
	slog.InfoContext(ctx, "batch export requested", "artifact", artifact)

	dl, err := h.service.BatchExport(ctx, file, artifact)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	w.Header().Set("X-Export-Entries", strconv.Itoa(dl.Entries))
	w.Header().Set("X-Export-Failed", strconv.Itoa(dl.Failed))
	h.writeDownload(ctx, w, dl)
}

func (h *Handler) Fields(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := r.PathValue("identifier")

	slog.InfoContext(ctx, "exporting normalized fields", "identifier", identifier)

	dl, err := h.service.NormalizedFields(ctx, identifier)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	h.writeDownload(ctx, w, dl)
}

func (h *Handler) writeDownload(ctx context.Context, w http.ResponseWriter, dl *Download) {
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(dl.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dl.Data); err != nil {
		slog.WarnContext(ctx, "failed to write download", "filename", dl.Filename, "error", err)
	}
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		capacity  *apperr.CapacityError
		invalid   *apperr.ValidationError
		notFound  *apperr.NotFoundError
		transport *apperr.TransportError
	)
	switch {
	case errors.As(err, &capacity):
		h.writeError(ctx, w, "BATCH_TOO_LARGE", capacity.Error(), http.StatusBadRequest,
			map[string]interface{}{"count": capacity.Count, "max": capacity.Max})
	case errors.As(err, &invalid):
		h.writeError(ctx, w, "VALIDATION_ERROR", invalid.Error(), http.StatusBadRequest, nil)
	case errors.As(err, &notFound), errors.Is(err, archive.ErrNoContent):
		h.writeError(ctx, w, "NOT_FOUND", err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, context.Canceled):
		slog.WarnContext(ctx, "client went away", "error", err)
	case errors.As(err, &transport):
		slog.ErrorContext(ctx, "upstream call failed", "op", transport.Op, "target", transport.Target, "error", transport.Cause)
		h.writeError(ctx, w, "UPSTREAM_ERROR", "backing store request failed", http.StatusInternalServerError, nil)
	default:
		slog.ErrorContext(ctx, "export failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "internal error", http.StatusInternalServerError, nil)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int, extra map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	resp := map[string]interface{}{
		"error":         body,
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}

// contentDisposition always carries a quoted ASCII filename. Names outside
// ASCII also get an RFC 5987 filename* parameter holding the exact UTF-8.
func contentDisposition(name string) string {
	v := fmt.Sprintf(`attachment; filename="%s"`, safeFilename(name))
	for i := range len(name) {
		if name[i] >= utf8.RuneSelf {
			return v + "; filename*=UTF-8''" + encodeExtValue(name)
		}
	}
	return v
}

func safeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r >= 0x7f {
			return '_'
		}
		return r
	}, name)
}

// encodeExtValue percent-encodes every byte outside RFC 5987 attr-char.
func encodeExtValue(s string) string {
	var b strings.Builder
	for i := range len(s) {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
