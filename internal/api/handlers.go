package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/modelshift/internal/apperr"
	"github.com/starford/modelshift/internal/change"
	"github.com/starford/modelshift/internal/models"
)

// BranchLookup resolves projects and branches in the model repository.
type BranchLookup interface {
	Project(ctx context.Context, projectID string) (*models.Project, error)
	Branch(ctx context.Context, projectID, branchID string) (*models.Branch, error)
}

// Handler holds HTTP handler dependencies.
type Handler struct {
	engine   *change.Engine
	branches BranchLookup
}

// NewHandler creates a new Handler.
func NewHandler(engine *change.Engine, branches BranchLookup) *Handler {
	return &Handler{engine: engine, branches: branches}
}

func target(r *http.Request) (string, string) {
	return chi.URLParam(r, "projectId"), chi.URLParam(r, "branchId")
}

// ApplyChange handles POST /api/projects/{projectId}/branches/{branchId}/change.
//
//	@Summary		Apply a natural-language change to a branch
//	@Tags			changes
//	@Accept			json
//	@Produce		json
//	@Param			projectId	path		string				true	"Project ID"
//	@Param			branchId	path		string				true	"Branch ID"
//	@Param			body		body		ChangeRequestBody	true	"Change request"
//	@Success		200			{object}	ChangeResult
//	@Failure		400			{object}	errResponse
//	@Failure		500			{object}	ChangeResult
//	@Security		BearerAuth
//	@Router			/projects/{projectId}/branches/{branchId}/change [post]
func (h *Handler) ApplyChange(w http.ResponseWriter, r *http.Request) {
	var body ChangeRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if strings.TrimSpace(body.ChangeRequest) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("change_request is required"))
		return
	}

	projectID, branchID := target(r)
	res := h.engine.Run(r.Context(), change.Request{
		ProjectID:     projectID,
		BranchID:      branchID,
		ChangeRequest: body.ChangeRequest,
	})
	writeJSON(w, res.HTTPStatus(), res)
}

// PreviewContext handles GET /api/projects/{projectId}/branches/{branchId}/context.
//
//	@Summary		Show the retrieval context for a change request
//	@Tags			changes
//	@Produce		json
//	@Param			projectId		path		string	true	"Project ID"
//	@Param			branchId		path		string	true	"Branch ID"
//	@Param			change_request	query		string	true	"Change request"
//	@Success		200				{object}	ContextPreview
//	@Failure		400				{object}	errResponse
//	@Failure		404				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{projectId}/branches/{branchId}/context [get]
func (h *Handler) PreviewContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("change_request")
	if strings.TrimSpace(q) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'change_request' is required"))
		return
	}
	projectID, branchID := target(r)
	preview, err := h.engine.Preview(r.Context(), change.Request{
		ProjectID:     projectID,
		BranchID:      branchID,
		ChangeRequest: q,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("preview failed", slog.String("project", projectID), slog.String("branch", branchID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// CheckBranch handles GET /api/projects/{projectId}/branches/{branchId}.
//
//	@Summary		Check that a project branch exists
//	@Tags			projects
//	@Produce		json
//	@Param			projectId	path		string	true	"Project ID"
//	@Param			branchId	path		string	true	"Branch ID"
//	@Success		200			{object}	BranchStatus
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/projects/{projectId}/branches/{branchId} [get]
func (h *Handler) CheckBranch(w http.ResponseWriter, r *http.Request) {
	projectID, branchID := target(r)
	project, err := h.branches.Project(r.Context(), projectID)
	if err != nil {
		h.lookupFailed(w, "project", projectID, err)
		return
	}
	branch, err := h.branches.Branch(r.Context(), projectID, branchID)
	if err != nil {
		h.lookupFailed(w, "branch", branchID, err)
		return
	}
	writeJSON(w, http.StatusOK, BranchStatus{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		BranchID:    branch.ID,
		BranchName:  branch.Name,
		Head:        branch.Head.ID,
	})
}

func (h *Handler) lookupFailed(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, apperr.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody(kind+" not found"))
		return
	}
	slog.Error("lookup failed", slog.String(kind, id), slog.String("error", err.Error()))
	writeJSON(w, http.StatusBadGateway, errorBody("repository unavailable"))
}

// ListTypes handles GET /api/types.
//
//	@Summary		List the element type catalogue
//	@Tags			types
//	@Produce		json
//	@Success		200	{object}	TypesResponse
//	@Security		BearerAuth
//	@Router			/types [get]
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TypesResponse{Types: h.engine.Types(), Handlers: h.engine.Handlers()})
}
