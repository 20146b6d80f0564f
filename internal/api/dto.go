package api

import (
	"github.com/starford/modelshift/internal/catalog"
	"github.com/starford/modelshift/internal/change"
)

// ChangeRequestBody is the request body for applying a change.
type ChangeRequestBody struct {
	ChangeRequest string `json:"change_request" example:"Rename the package Utilities to Core" validate:"required"`
}

// ChangeResult is the outcome of a change request (aliased from the domain layer).
type ChangeResult = change.Result

// ContextPreview is the retrieval context a change request would use.
type ContextPreview = change.Preview

// BranchStatus describes an existing project branch.
type BranchStatus struct {
	ProjectID   string `json:"project_id" example:"0f3c..." validate:"required"`
	ProjectName string `json:"project_name" example:"Drone" validate:"required"`
	BranchID    string `json:"branch_id" example:"9a1e..." validate:"required"`
	BranchName  string `json:"branch_name" example:"main" validate:"required"`
	Head        string `json:"head" example:"c81d..."`
}

// TypesResponse wraps the type catalogue.
type TypesResponse struct {
	Types    []catalog.Type `json:"types" validate:"required"`
	Handlers []string       `json:"handlers" example:"PartUsage" validate:"required"`
}
