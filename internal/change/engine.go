// Package change runs the change pipeline: it reads a branch, builds a
// retrieval context, asks the inference boundary for operations, dispatches
// them and commits the result as one new version.
package change

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/starford/modelshift/internal/apperr"
	"github.com/starford/modelshift/internal/catalog"
	"github.com/starford/modelshift/internal/contextbuilder"
	"github.com/starford/modelshift/internal/dispatch"
	"github.com/starford/modelshift/internal/inference"
	"github.com/starford/modelshift/internal/metrics"
	"github.com/starford/modelshift/internal/modelclient"
	"github.com/starford/modelshift/internal/models"
	"github.com/starford/modelshift/internal/notify"
	"github.com/starford/modelshift/internal/semantic"
)

// Operation outcomes recorded in metrics.
const (
	outcomeOK         = "ok"
	outcomeValidation = "validation_failed"
	outcomeDispatch   = "dispatch_failed"
	outcomeRejected   = "rejected"
	outcomeUnknown    = "unknown"
)

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog sets the type catalogue rendered into the prompt.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

// WithRegistry sets the dispatch registry.
func WithRegistry(r *dispatch.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher announces successful commits.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTopK sets the number of similarity matches seeding the context.
func WithTopK(k int) Option {
	return func(e *Engine) { e.topK = k }
}

// WithExpandDepth sets the owner/child expansion depth.
func WithExpandDepth(d int) Option {
	return func(e *Engine) { e.expandDepth = d }
}

// WithIDGenerator sets the generator of pre-assigned element ids.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine runs change requests. It holds no per-request state and may serve
// requests for different branches concurrently. Requests for the same branch
// must be serialized by the caller: commits carry no guard against the head
// having moved since the request started.
type Engine struct {
	repo        modelclient.Repository
	inferer     inference.Inferer
	catalog     *catalog.Catalog
	registry    *dispatch.Registry
	metrics     *metrics.Metrics
	publisher   notify.Publisher
	topK        int
	expandDepth int
	newID       func() string
	logger      *slog.Logger
}

// NewEngine creates an engine over the repository and inference boundary.
func NewEngine(repo modelclient.Repository, inferer inference.Inferer, opts ...Option) *Engine {
	e := &Engine{
		repo:        repo,
		inferer:     inferer,
		registry:    dispatch.DefaultRegistry(),
		topK:        contextbuilder.DefaultTopK,
		expandDepth: contextbuilder.DefaultExpandDepth,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog = catalog.New(e.logger)
	}
	return e
}

// elementList serves a fixed element set to the context builder.
type elementList []models.Element

func (l elementList) AllElements(context.Context) ([]models.Element, error) {
	return l, nil
}

// session is the per-request state shared by Run and Preview.
type session struct {
	client   *modelclient.Client
	elements []models.Element
	context  contextbuilder.Context
	types    string
	approach int
	naive    int

	// fingerprint and indexed describe the store the context came from.
	fingerprint string
	indexed     int
}

// open initializes the client, builds the retrieval context and measures
// both prompt variants.
func (e *Engine) open(ctx context.Context, req Request, logger *slog.Logger) (*session, error) {
	clientOpts := []modelclient.Option{modelclient.WithLogger(logger)}
	if e.newID != nil {
		clientOpts = append(clientOpts, modelclient.WithIDGenerator(e.newID))
	}
	client := modelclient.New(e.repo, clientOpts...)
	if err := client.Initialize(ctx, req.ProjectID, req.BranchID); err != nil {
		return nil, err
	}

	elements, err := client.AllElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("read elements: %w", err)
	}

	store, err := semantic.Open(semantic.MemoryDSN, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	builder, err := contextbuilder.New(ctx, elementList(elements), store,
		contextbuilder.WithTopK(e.topK),
		contextbuilder.WithExpandDepth(e.expandDepth),
		contextbuilder.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	cx, err := builder.Build(ctx, req.ChangeRequest)
	if err != nil {
		return nil, err
	}
	indexed, err := store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if len(cx.Cycles) > 0 {
		logger.Warn("owner cycles in model", slog.Any("at", cx.Cycles))
	}

	s := &session{
		client:   client,
		elements: elements,
		context:  cx,
		types:    e.catalog.Render(client.Datatypes()),

		fingerprint: store.Fingerprint(),
		indexed:     indexed,
	}

	s.approach, err = promptTokens(s.types, cx.String(), req.ChangeRequest)
	if err != nil {
		return nil, err
	}
	naive, err := naiveContext(elements)
	if err != nil {
		return nil, err
	}
	s.naive, err = promptTokens(s.types, naive, req.ChangeRequest)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run executes one change request. It never returns nil and never panics;
// every failure is reported in the result.
func (e *Engine) Run(ctx context.Context, req Request) (res *Result) {
	start := time.Now()
	runID := ulid.Make().String()
	logger := e.logger.With(
		slog.String("run_id", runID),
		slog.String("project_id", req.ProjectID),
		slog.String("branch_id", req.BranchID))

	res = &Result{
		RunID: runID,
		Metadata: Metadata{
			ProjectID:     req.ProjectID,
			BranchID:      req.BranchID,
			ChangeRequest: req.ChangeRequest,
			Timestamp:     start.Format(time.RFC3339Nano),
		},
		Logs: []LogEntry{},
	}

	defer func() {
		if r := recover(); r != nil {
			e.fail(res, logger, fmt.Errorf("unhandled panic: %v", r))
		}
		res.ProcessingTimeSeconds = round(time.Since(start).Seconds(), 3)
		e.metrics.ObserveRun(res.Status, res.ProcessingTimeSeconds)
	}()

	logger.Info("change request started", slog.String("request", req.ChangeRequest))

	s, err := e.open(ctx, req, logger)
	if err != nil {
		e.fail(res, logger, err)
		return res
	}

	resp, err := e.inferer.Infer(ctx, inference.Request{
		Context:       s.context.String(),
		Types:         s.types,
		ChangeRequest: req.ChangeRequest,
	})
	if err != nil {
		e.fail(res, logger, err)
		return res
	}

	known := make(map[string]models.Element, len(s.elements))
	for _, el := range s.elements {
		known[el.ID()] = el
	}
	for _, op := range resp.Operations {
		msg := e.apply(ctx, s.client, op, known, logger)
		res.Logs = append(res.Logs, LogEntry{Message: msg})
	}

	staged := len(s.client.Staged())
	previous := s.client.Head()
	commitID, err := s.client.CommitAndPush(ctx)
	if err != nil {
		e.fail(res, logger, err)
		return res
	}

	output := resp.OutputTokens
	if output == 0 {
		output = inference.OperationTokens(resp.Operations)
	}
	res.Status = StatusSuccess
	res.CommitID = commitID
	res.Tokens = &Tokens{
		InputApproach:    s.approach,
		InputNaive:       s.naive,
		Output:           output,
		ReductionPercent: Reduction(s.naive, s.approach),
	}
	e.metrics.ObserveTokens(s.approach, s.naive, output, res.Tokens.ReductionPercent)

	if commitID != previous {
		e.metrics.ObserveCommit()
		e.announce(ctx, logger, notify.Event{
			Type:          notify.EventCommit,
			RunID:         runID,
			ProjectID:     req.ProjectID,
			BranchID:      req.BranchID,
			CommitID:      commitID,
			ChangeRequest: req.ChangeRequest,
			Operations:    staged,
			Timestamp:     time.Now().UTC(),
		})
	}

	logger.Info("change request finished",
		slog.String("commit", commitID),
		slog.Int("staged", staged),
		slog.Int("input_approach", s.approach),
		slog.Int("input_naive", s.naive))
	return res
}

// Preview is the retrieval part of a run without inference or commit.
type Preview struct {
	Head             string   `json:"head"`
	Elements         []string `json:"elements"`
	Matches          []string `json:"matches"`
	Indexed          int      `json:"indexed"`
	Fingerprint      string   `json:"fingerprint"`
	Context          string   `json:"context"`
	Cycles           []string `json:"cycles,omitempty"`
	InputApproach    int      `json:"input_approach"`
	InputNaive       int      `json:"input_naive"`
	ReductionPercent float64  `json:"reduction_percent"`
}

// Preview builds the retrieval context for req and reports its size against
// the full model dump.
func (e *Engine) Preview(ctx context.Context, req Request) (*Preview, error) {
	s, err := e.open(ctx, req, e.logger)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Head:             s.client.Head(),
		Elements:         s.context.IDs(),
		Matches:          s.context.Matches(),
		Indexed:          s.indexed,
		Fingerprint:      s.fingerprint,
		Context:          s.context.String(),
		Cycles:           s.context.Cycles,
		InputApproach:    s.approach,
		InputNaive:       s.naive,
		ReductionPercent: Reduction(s.naive, s.approach),
	}, nil
}

// Handlers lists the element types validated by a dedicated handler.
func (e *Engine) Handlers() []string {
	return e.registry.Types()
}

// Types returns the type catalogue.
func (e *Engine) Types() []catalog.Type {
	return e.catalog.Types()
}

// apply dispatches one operation and returns its log line. Failures are
// logged and never abort the batch.
func (e *Engine) apply(ctx context.Context, client *modelclient.Client, op inference.Operation, known map[string]models.Element, logger *slog.Logger) (msg string) {
	args := describe(op.Args)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic: %v", apperr.ErrDispatch, r)
			logger.Error("operation panicked", slog.String("operation", op.Name), slog.String("error", err.Error()))
			e.metrics.ObserveOperation(op.Name, outcomeDispatch)
			msg = fmt.Sprintf("Error: %s failed - %s: %v", op.Name, args, err)
		}
	}()

	if op.Invalid != "" {
		err := fmt.Errorf("%w: %s", apperr.ErrDispatch, op.Invalid)
		logger.Error("operation arguments unreadable",
			slog.String("operation", op.Name),
			slog.String("raw", op.Raw),
			slog.String("error", err.Error()))
		e.metrics.ObserveOperation(op.Name, outcomeDispatch)
		return fmt.Sprintf("Error: %s failed - %s: %v", op.Name, op.Raw, err)
	}

	switch op.Name {
	case inference.OpError:
		message, _ := op.Args["message"].(string)
		logger.Warn("inference could not fulfil request", slog.String("message", message))
		e.metrics.ObserveOperation(op.Name, outcomeRejected)
		return fmt.Sprintf("Error: request cannot be fulfilled - %s", message)

	case inference.OpCreate, inference.OpUpdate, inference.OpDelete:

	default:
		logger.Error("unknown operation", slog.String("operation", op.Name))
		e.metrics.ObserveOperation(op.Name, outcomeUnknown)
		return fmt.Sprintf("Error: unknown operation %q - %s", op.Name, args)
	}

	r := resolveArgs(op, known)
	if r.typ == "" && r.id != "" && op.Name != inference.OpCreate {
		e.lookupType(ctx, client, op, &r, known, logger)
	}
	handler := e.registry.Resolve(r.typ)

	var err error
	var created string
	switch op.Name {
	case inference.OpCreate:
		created, err = handler.Create(client, r.attrs)
		if err == nil {
			known[created] = r.attrs
		}
	case inference.OpUpdate:
		err = handler.Update(client, r.id, r.attrs)
	case inference.OpDelete:
		err = handler.Delete(client, r.id)
	}

	if err != nil {
		outcome := outcomeDispatch
		if errors.Is(err, apperr.ErrValidation) {
			outcome = outcomeValidation
		}
		logger.Error("operation failed",
			slog.String("operation", op.Name),
			slog.String("args", args),
			slog.String("error", err.Error()))
		e.metrics.ObserveOperation(op.Name, outcome)
		return fmt.Sprintf("Error: %s failed - %s: %v", op.Name, args, err)
	}

	e.metrics.ObserveOperation(op.Name, outcomeOK)
	logger.Info("operation staged", slog.String("operation", op.Name), slog.String("args", args))
	if created != "" {
		return fmt.Sprintf("%s - %s -> %s", op.Name, args, created)
	}
	return fmt.Sprintf("%s - %s", op.Name, args)
}

// lookupType fetches an element the snapshot does not know to learn its type.
func (e *Engine) lookupType(ctx context.Context, client *modelclient.Client, op inference.Operation, r *resolved, known map[string]models.Element, logger *slog.Logger) {
	el, err := client.Element(ctx, r.id)
	if err != nil {
		logger.Warn("element type lookup failed", slog.String("id", r.id), slog.String("error", err.Error()))
		return
	}
	known[r.id] = el
	r.typ = el.Type()
	if op.Name == inference.OpUpdate && r.attrs.Type() == "" && r.typ != "" {
		r.attrs[models.KeyType] = r.typ
	}
}

func (e *Engine) fail(res *Result, logger *slog.Logger, err error) {
	res.Status = StatusError
	res.Error = err.Error()
	res.Tokens = nil
	res.CommitID = ""
	logger.Error("change request failed", slog.String("error", err.Error()))
}

func (e *Engine) announce(ctx context.Context, logger *slog.Logger, ev notify.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		logger.Warn("publish commit event failed", slog.String("error", err.Error()))
	}
}

// naiveContext serializes every sanitized element the way the retrieval
// context serializes its entries.
func naiveContext(elements []models.Element) (string, error) {
	lines := make([]string, 0, len(elements))
	for _, el := range models.SanitizeAll(elements) {
		s, err := el.Normalize()
		if err != nil {
			return "", fmt.Errorf("serialize element %s: %w", el.ID(), err)
		}
		lines = append(lines, s)
	}
	return strings.Join(lines, "\n"), nil
}

func promptTokens(types, excerpt, request string) (int, error) {
	prompt, err := inference.RenderPrompt(inference.Request{
		Context:       excerpt,
		Types:         types,
		ChangeRequest: request,
	})
	if err != nil {
		return 0, err
	}
	return inference.EstimateTokens(prompt), nil
}

func describe(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
