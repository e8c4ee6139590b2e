package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/rag"
)

// RAGHandler serves the clinical question-answering endpoint.
type RAGHandler struct {
	service *rag.Service
}

// NewRAGHandler builds the handler.
func NewRAGHandler(service *rag.Service) *RAGHandler {
	return &RAGHandler{service: service}
}

// POST /ai/query
func (h *RAGHandler) Query(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req struct {
		Query         string     `json:"query"`
		ClientID      *uuid.UUID `json:"client_id"`
		MaxResults    int        `json:"max_results"`
		MinSimilarity float64    `json:"min_similarity"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httperr.Write(w, r, fmt.Errorf("query is required: %w", core.ErrUnprocessable))
		return
	}

	resp, err := h.service.Answer(r.Context(), rag.Query{
		WorkspaceID:   identity.WorkspaceID,
		UserID:        identity.UserID,
		ClientID:      req.ClientID,
		Text:          req.Query,
		MaxResults:    req.MaxResults,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, resp)
}
