package export

import (
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Handler struct {
	service *Service
	now     func() time.Time
}

// NewHTTPHandler serves dead-letter exports at .../dead-letter.csv and
// .../dead-letter.xlsx. The source_table and limit query parameters narrow
// the export.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service, now: time.Now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	base := path.Base(r.URL.Path)
	name, ext, ok := strings.Cut(base, ".")
	if !ok || name != "dead-letter" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	format, err := ParseFormat(ext)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	filter := DeadLetterFilter(strings.TrimSpace(query.Get("source_table")))
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = parsed
	}

	filename := fmt.Sprintf("dead-letter-%s.%s", h.now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	stats, err := h.service.Write(r.Context(), w, format, filter)
	if err != nil {
		h.service.logger.Error("dead-letter export failed",
			zap.String("format", string(format)),
			zap.Int("rows_written", stats.Rows),
			zap.Error(err),
		)
		if stats.Bytes == 0 {
			http.Error(w, fmt.Sprintf("export failed: %v", err), http.StatusInternalServerError)
		}
	}
}
