// Package contextbuilder assembles a small, relevant slice of the model for a
// change request: the top similarity matches plus their owners and children.
package contextbuilder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/modelshift/internal/models"
	"github.com/starford/modelshift/internal/semantic"
)

// Defaults.
const (
	DefaultTopK        = 5
	DefaultExpandDepth = 1
)

// ElementSource provides the authoritative element set.
type ElementSource interface {
	AllElements(ctx context.Context) ([]models.Element, error)
}

// Option configures a Builder.
type Option func(*Builder)

// WithTopK sets how many similarity matches seed the context.
func WithTopK(k int) Option {
	return func(b *Builder) {
		if k > 0 {
			b.topK = k
		}
	}
}

// WithExpandDepth sets how many owner/child hops are followed from each match.
func WithExpandDepth(depth int) Option {
	return func(b *Builder) {
		if depth >= 0 {
			b.depth = depth
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Builder builds retrieval contexts over a semantic index it keeps in sync.
type Builder struct {
	index  semantic.Index
	topK   int
	depth  int
	logger *slog.Logger
}

// New resynchronizes idx from src and returns a Builder over it. The full
// resync costs O(elements) and happens once per builder.
func New(ctx context.Context, src ElementSource, idx semantic.Index, opts ...Option) (*Builder, error) {
	b := &Builder{
		index:  idx,
		topK:   DefaultTopK,
		depth:  DefaultExpandDepth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	elements, err := src.AllElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("contextbuilder: load elements: %w", err)
	}
	n, err := idx.Sync(ctx, elements)
	if err != nil {
		return nil, fmt.Errorf("contextbuilder: sync index: %w", err)
	}
	b.logger.Debug("context index synced", slog.Int("documents", n))
	return b, nil
}

// build holds the state of one Build call.
type build struct {
	seen     map[string]struct{}
	visiting map[string]struct{}
	out      *Context
}

// Build returns the context for request. An id appears at most once even if
// several matches relate to it.
func (b *Builder) Build(ctx context.Context, request string) (Context, error) {
	b.logger.Debug("context request", slog.String("request", request))

	docs, err := b.index.Query(ctx, request, b.topK)
	if err != nil {
		return Context{}, fmt.Errorf("contextbuilder: query: %w", err)
	}

	var result Context
	st := &build{
		seen:     make(map[string]struct{}),
		visiting: make(map[string]struct{}),
		out:      &result,
	}

	var bases []models.Element
	for _, d := range docs {
		el, err := d.Element()
		if err != nil {
			b.logger.Warn("dropping malformed context document",
				slog.String("id", d.ID), slog.String("error", err.Error()))
			continue
		}
		id := el.ID()
		if id != "" {
			if _, dup := st.seen[id]; dup {
				continue
			}
			st.seen[id] = struct{}{}
		}
		if !b.add(st, id, el, false) {
			continue
		}
		bases = append(bases, el)
	}

	for _, el := range bases {
		if id := el.ID(); id != "" {
			b.expand(ctx, st, id, b.depth, both)
		}
	}

	b.logger.Debug("context built",
		slog.Int("matches", len(bases)),
		slog.Int("entries", result.Len()))
	return result, nil
}

// direction restricts which relatives expand follows past the first hop.
type direction int

const (
	both direction = iota
	down           // children only
	up             // owner only
)

type hop struct {
	id  string
	dir direction
}

// expand appends the not yet seen relatives of id, following up to depth
// hops. Past the first hop, traversal keeps going the way it started: down
// through children or up through owners. The visiting set holds the ids on
// the current path; reaching one of them again is reported as an owner cycle
// instead of recursing.
func (b *Builder) expand(ctx context.Context, st *build, id string, depth int, dir direction) {
	if depth <= 0 {
		return
	}
	if _, onPath := st.visiting[id]; onPath {
		b.logger.Warn("owner cycle detected", slog.String("id", id))
		st.out.Cycles = append(st.out.Cycles, id)
		return
	}
	st.visiting[id] = struct{}{}
	defer delete(st.visiting, id)

	related, err := b.index.Related(ctx, id)
	if err != nil {
		b.logger.Warn("failed to fetch related elements",
			slog.String("id", id), slog.String("error", err.Error()))
		return
	}

	var next []hop
	for _, d := range related {
		el, err := d.Element()
		if err != nil {
			continue
		}
		rid := el.ID()
		if rid == "" {
			continue
		}
		if _, dup := st.seen[rid]; !dup {
			st.seen[rid] = struct{}{}
			if !b.add(st, rid, el, true) {
				continue
			}
		}
		if depth == 1 {
			continue
		}
		child := el.OwnerID() == id
		switch {
		case child && dir != up:
			next = append(next, hop{id: rid, dir: down})
		case !child && dir != down:
			next = append(next, hop{id: rid, dir: up})
		}
	}

	for _, h := range next {
		b.expand(ctx, st, h.id, depth-1, h.dir)
	}
}

func (b *Builder) add(st *build, id string, el models.Element, related bool) bool {
	content, err := el.Normalize()
	if err != nil {
		b.logger.Warn("dropping unserializable element",
			slog.String("id", id), slog.String("error", err.Error()))
		return false
	}
	st.out.Entries = append(st.out.Entries, Entry{ID: id, Content: content, Related: related})
	return true
}
