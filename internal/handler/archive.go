package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/velvetclub/velvet/internal/archive"
	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/store"
)

// ArchiveHandler exposes the ledger export history and on-demand exports.
type ArchiveHandler struct {
	manager  *archive.Manager
	archives *store.ArchiveStore
	logger   *slog.Logger
}

func NewArchiveHandler(manager *archive.Manager, archives *store.ArchiveStore, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{manager: manager, archives: archives, logger: logger}
}

func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.archives.List(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list exports")
		return
	}
	if records == nil {
		records = []model.ArchiveRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *ArchiveHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	record, err := h.manager.RunNow(r.Context())
	if err != nil {
		if errors.Is(err, archive.ErrNotConfigured) {
			writeError(w, http.StatusConflict, "archive storage not configured")
			return
		}
		h.logger.Error("ledger export", "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	body, size, err := h.manager.Download(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusNotFound, "export not found")
			return
		}
		if errors.Is(err, archive.ErrNotConfigured) {
			writeError(w, http.StatusConflict, "archive storage not configured")
			return
		}
		h.logger.Error("export download", "archive_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "download failed")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	io.Copy(w, body)
}
