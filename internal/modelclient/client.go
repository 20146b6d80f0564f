// Package modelclient anchors to one project branch of the model repository,
// reads its elements and stages mutations that are committed as one version.
package modelclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/modelshift/internal/apperr"
	"github.com/starford/modelshift/internal/models"
	"github.com/starford/modelshift/internal/repository"
)

// Repository is the part of the remote model repository the client uses.
type Repository interface {
	Project(ctx context.Context, projectID string) (*models.Project, error)
	Branch(ctx context.Context, projectID, branchID string) (*models.Branch, error)
	Elements(ctx context.Context, projectID, commitID string) ([]models.Element, error)
	Element(ctx context.Context, projectID, commitID, elementID string) (models.Element, error)
	PushCommit(ctx context.Context, projectID, branchID string, change []models.ChangeEntry) (*models.Commit, error)
	Datatypes(ctx context.Context) ([]string, error)
}

// Verify *repository.Client satisfies Repository at compile time.
var _ Repository = (*repository.Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIDGenerator replaces the generator of pre-assigned element ids.
func WithIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Client is the versioned model client. It owns the staging list for its
// lifetime and is not safe for concurrent use; callers must serialize
// requests per branch.
type Client struct {
	repo   Repository
	logger *slog.Logger
	newID  func() string

	initialized bool
	projectID   string
	projectName string
	branchID    string
	commitID    string
	datatypes   []string
	staged      []models.ChangeEntry
}

// New creates an uninitialized client.
func New(repo Repository, opts ...Option) *Client {
	c := &Client{
		repo:   repo,
		logger: slog.Default(),
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize resolves the project and the branch head and fetches the type
// catalogue. A missing project or branch is returned as apperr.ErrNotFound.
// Any previously staged entries are discarded.
func (c *Client) Initialize(ctx context.Context, projectID, branchID string) error {
	project, err := c.repo.Project(ctx, projectID)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	branch, err := c.repo.Branch(ctx, projectID, branchID)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	datatypes, err := c.repo.Datatypes(ctx)
	if err != nil {
		c.logger.Warn("type catalogue unavailable", slog.String("error", err.Error()))
		datatypes = nil
	}

	c.projectID = projectID
	c.projectName = project.Name
	c.branchID = branchID
	c.commitID = branch.Head.ID
	c.datatypes = datatypes
	c.staged = nil
	c.initialized = true

	c.logger.Info("model client initialized",
		slog.String("project", c.projectName),
		slog.String("project_id", projectID),
		slog.String("branch_id", branchID),
		slog.String("head", c.commitID))
	return nil
}

// ProjectID returns the active project id.
func (c *Client) ProjectID() string { return c.projectID }

// ProjectName returns the active project's name.
func (c *Client) ProjectName() string { return c.projectName }

// BranchID returns the active branch id.
func (c *Client) BranchID() string { return c.branchID }

// Head returns the commit the client is anchored to.
func (c *Client) Head() string { return c.commitID }

// Datatypes returns the repository's supported element types.
func (c *Client) Datatypes() []string {
	return append([]string(nil), c.datatypes...)
}

// AllElements returns every element at the current head. A branch without
// commits has no elements.
func (c *Client) AllElements(ctx context.Context) ([]models.Element, error) {
	if !c.initialized {
		return nil, apperr.ErrNotInitialized
	}
	if c.commitID == "" {
		return nil, nil
	}
	return c.repo.Elements(ctx, c.projectID, c.commitID)
}

// Element returns one element at the current head.
func (c *Client) Element(ctx context.Context, id string) (models.Element, error) {
	if !c.initialized {
		return nil, apperr.ErrNotInitialized
	}
	if c.commitID == "" {
		return nil, fmt.Errorf("element %s: %w", id, apperr.ErrNotFound)
	}
	return c.repo.Element(ctx, c.projectID, c.commitID, id)
}

// StageCreate stages the creation of an element and returns its id. The id
// is taken from attrs["@id"] when present and generated otherwise, so later
// entries of the same batch can reference it.
func (c *Client) StageCreate(attrs models.Element) (string, error) {
	if err := c.checkStage(attrs, true); err != nil {
		return "", fmt.Errorf("stage create: %w", err)
	}
	id := attrs.ID()
	if id == "" {
		id = c.newID()
	}
	payload := attrs.Clone()
	delete(payload, models.KeyID)

	c.logger.Debug("staging create", slog.String("id", id), slog.String("type", attrs.Type()))
	c.staged = append(c.staged, models.ChangeEntry{
		Type:     models.ChangeEntryType,
		Payload:  payload,
		Identity: &models.Identity{ID: id},
		Op:       models.OpCreate,
	})
	return id, nil
}

// StageUpdate stages new attribute values for an existing element.
func (c *Client) StageUpdate(id string, attrs models.Element) error {
	if err := c.checkStage(attrs, true); err != nil {
		return fmt.Errorf("stage update: %w", err)
	}
	if id == "" {
		return fmt.Errorf("stage update: %w: element id is required", apperr.ErrValidation)
	}
	payload := attrs.Clone()
	delete(payload, models.KeyID)

	c.logger.Debug("staging update", slog.String("id", id), slog.String("type", attrs.Type()))
	c.staged = append(c.staged, models.ChangeEntry{
		Type:     models.ChangeEntryType,
		Payload:  payload,
		Identity: &models.Identity{ID: id},
		Op:       models.OpUpdate,
	})
	return nil
}

// StageDelete stages the removal of an element.
func (c *Client) StageDelete(id string) error {
	if err := c.checkStage(nil, false); err != nil {
		return fmt.Errorf("stage delete: %w", err)
	}
	if id == "" {
		return fmt.Errorf("stage delete: %w: element id is required", apperr.ErrValidation)
	}

	c.logger.Debug("staging delete", slog.String("id", id))
	c.staged = append(c.staged, models.ChangeEntry{
		Type:     models.ChangeEntryType,
		Payload:  nil,
		Identity: &models.Identity{ID: id},
		Op:       models.OpDelete,
	})
	return nil
}

// Staged returns a copy of the staged entries in append order.
func (c *Client) Staged() []models.ChangeEntry {
	return append([]models.ChangeEntry(nil), c.staged...)
}

// CommitAndPush sends all staged entries as one commit. On success the head
// moves to the new commit and staging is cleared; on failure both are left
// untouched. With nothing staged no commit is made and the head is returned.
func (c *Client) CommitAndPush(ctx context.Context) (string, error) {
	if !c.initialized {
		return "", apperr.ErrNotInitialized
	}
	if len(c.staged) == 0 {
		c.logger.Info("nothing staged, skipping commit", slog.String("head", c.commitID))
		return c.commitID, nil
	}

	commit, err := c.repo.PushCommit(ctx, c.projectID, c.branchID, c.Staged())
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	c.logger.Info("commit pushed",
		slog.String("previous", c.commitID),
		slog.String("head", commit.ID),
		slog.Int("changes", len(c.staged)))
	c.commitID = commit.ID
	c.staged = nil
	return commit.ID, nil
}

func (c *Client) checkStage(attrs models.Element, needType bool) error {
	if !c.initialized {
		return apperr.ErrNotInitialized
	}
	if needType && attrs.Type() == "" {
		return fmt.Errorf("%w: missing %q", apperr.ErrValidation, models.KeyType)
	}
	return nil
}
