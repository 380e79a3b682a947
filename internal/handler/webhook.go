package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/velvetclub/velvet/internal/model"
	"github.com/velvetclub/velvet/internal/possync"
	"github.com/velvetclub/velvet/internal/store"
)

// Signature headers by provider.
const (
	squareSignatureHeader = "X-Square-Hmacsha256-Signature"
	toastSignatureHeader  = "Toast-Signature"
)

// WebhookHandler ingests POS webhook deliveries. Providers retry on non-2xx,
// so a duplicate delivery is acknowledged with 200, not rejected.
type WebhookHandler struct {
	orch   *possync.Orchestrator
	logger *slog.Logger
}

func NewWebhookHandler(orch *possync.Orchestrator, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{orch: orch, logger: logger}
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	provider := model.Provider(r.PathValue("provider"))
	if !model.ValidProvider(provider) {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	var signature string
	switch provider {
	case model.ProviderSquare:
		signature = r.Header.Get(squareSignatureHeader)
	case model.ProviderToast:
		signature = r.Header.Get(toastSignatureHeader)
	}
	if signature == "" {
		writeError(w, http.StatusUnauthorized, "missing signature")
		return
	}

	res, err := h.orch.HandleWebhook(r.Context(), provider, body, signature)
	if err != nil {
		if errors.Is(err, possync.ErrUnknownWebhook) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		h.logger.Error("webhook ingest", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  res.Accepted,
		"duplicate": res.Reason == store.ReasonDuplicate,
	})
}
