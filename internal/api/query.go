package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/orchestrator"
)

// QueryHandler exposes the question-answering endpoint.
type QueryHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{orchestrator: orch, logger: logger.Named("query_handler")}
}

// queryRequest is the POST /api/v1/query body. At most one of
// connection_id and file_id may be set.
type queryRequest struct {
	Question     string `json:"question"`
	ConnectionID string `json:"connection_id,omitempty"`
	FileID       string `json:"file_id,omitempty"`
	Preference   string `json:"preference,omitempty"`  // "sql" or "analytic"
	DataSource   string `json:"data_source,omitempty"` // explicit route
}

// Ask handles POST /api/v1/query.
func (h *QueryHandler) Ask(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ErrBadRequest(w, "invalid JSON body")
		return
	}
	if body.Question == "" {
		ErrBadRequest(w, "question is required")
		return
	}

	req := orchestrator.Request{
		UserID:     identity.UserID,
		Question:   body.Question,
		Preference: body.Preference,
		DataSource: body.DataSource,
	}
	if body.ConnectionID != "" {
		id, err := uuid.Parse(body.ConnectionID)
		if err != nil {
			ErrBadRequest(w, "invalid connection_id")
			return
		}
		req.ConnectionID = &id
	}
	if body.FileID != "" {
		id, err := uuid.Parse(body.FileID)
		if err != nil {
			ErrBadRequest(w, "invalid file_id")
			return
		}
		req.FileID = &id
	}

	result, err := h.orchestrator.Execute(r.Context(), req)
	if err != nil {
		ErrFault(w, err)
		return
	}
	Ok(w, result)
}
