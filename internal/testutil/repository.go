package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/starford/modelshift/internal/models"
)

type fakeProject struct {
	project  models.Project
	branches map[string]string // branch id -> head commit id
	commits  map[string][]models.Element
}

// FakeRepository is an in-memory SysML v2 style repository. Commits apply
// their change entries to a copy of the branch head and advance the branch.
type FakeRepository struct {
	mu         sync.Mutex
	projects   map[string]*fakeProject
	datatypes  []string
	pushes     [][]models.ChangeEntry
	nextCommit int
	nextID     int

	failCommits   bool
	failDatatypes bool

	server *httptest.Server
}

// NewFakeRepository starts a fake repository that is closed on test cleanup.
func NewFakeRepository(t *testing.T) *FakeRepository {
	t.Helper()
	f := &FakeRepository{
		projects:   make(map[string]*fakeProject),
		datatypes:  []string{"Package", "PartDefinition", "PartUsage"},
		nextCommit: 1,
	}

	r := chi.NewRouter()
	r.Get("/projects/{projectId}", f.getProject)
	r.Get("/projects/{projectId}/branches/{branchId}", f.getBranch)
	r.Get("/projects/{projectId}/commits/{commitId}/elements", f.getElements)
	r.Get("/projects/{projectId}/commits/{commitId}/elements/{elementId}", f.getElement)
	r.Post("/projects/{projectId}/commits", f.postCommit)
	r.Get("/meta/datatypes", f.getDatatypes)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the base URL of the fake repository.
func (f *FakeRepository) URL() string {
	return f.server.URL
}

// AddProject registers a project with one branch whose head commit holds elements.
func (f *FakeRepository) AddProject(projectID, name, branchID, commitID string, elements ...models.Element) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProject{
		project:  models.Project{ID: projectID, Name: name},
		branches: map[string]string{branchID: commitID},
		commits:  map[string][]models.Element{commitID: cloneAll(elements)},
	}
	f.projects[projectID] = p
}

// SetFailCommits makes every commit request fail with 500.
func (f *FakeRepository) SetFailCommits(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCommits = fail
}

// SetFailDatatypes makes /meta/datatypes fail with 500.
func (f *FakeRepository) SetFailDatatypes(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDatatypes = fail
}

// Head returns the head commit of a branch.
func (f *FakeRepository) Head(projectID, branchID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[projectID]; ok {
		return p.branches[branchID]
	}
	return ""
}

// ElementsAt returns the elements of a commit.
func (f *FakeRepository) ElementsAt(projectID, commitID string) []models.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[projectID]; ok {
		return cloneAll(p.commits[commitID])
	}
	return nil
}

// Pushes returns the change batches received by the commit endpoint,
// including failed ones.
func (f *FakeRepository) Pushes() [][]models.ChangeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.ChangeEntry(nil), f.pushes...)
}

func (f *FakeRepository) getProject(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[chi.URLParam(r, "projectId")]
	if !ok {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p.project)
}

func (f *FakeRepository) getBranch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[chi.URLParam(r, "projectId")]
	if !ok {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	branchID := chi.URLParam(r, "branchId")
	head, ok := p.branches[branchID]
	if !ok {
		http.Error(w, "branch not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, models.Branch{ID: branchID, Name: branchID, Head: models.Identity{ID: head}})
}

func (f *FakeRepository) getElements(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[chi.URLParam(r, "projectId")]
	if !ok {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	elements, ok := p.commits[chi.URLParam(r, "commitId")]
	if !ok {
		http.Error(w, "commit not found", http.StatusNotFound)
		return
	}
	if elements == nil {
		elements = []models.Element{}
	}
	writeJSON(w, http.StatusOK, elements)
}

func (f *FakeRepository) getElement(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[chi.URLParam(r, "projectId")]
	if !ok {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	id := chi.URLParam(r, "elementId")
	for _, el := range p.commits[chi.URLParam(r, "commitId")] {
		if el.ID() == id {
			writeJSON(w, http.StatusOK, el)
			return
		}
	}
	http.Error(w, "element not found", http.StatusNotFound)
}

func (f *FakeRepository) postCommit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body models.Commit
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid commit body", http.StatusBadRequest)
		return
	}
	f.pushes = append(f.pushes, body.Change)

	if f.failCommits {
		http.Error(w, "commit rejected", http.StatusInternalServerError)
		return
	}
	p, ok := f.projects[chi.URLParam(r, "projectId")]
	if !ok {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	branchID := r.URL.Query().Get("branchId")
	head, ok := p.branches[branchID]
	if !ok {
		http.Error(w, "branch not found", http.StatusNotFound)
		return
	}

	next := f.apply(p.commits[head], body.Change)
	commitID := fmt.Sprintf("C%d", f.nextCommit)
	f.nextCommit++
	p.commits[commitID] = next
	p.branches[branchID] = commitID

	writeJSON(w, http.StatusOK, models.Commit{ID: commitID, Type: "Commit"})
}

// apply returns base with the change entries applied in order.
func (f *FakeRepository) apply(base []models.Element, change []models.ChangeEntry) []models.Element {
	byID := make(map[string]models.Element, len(base))
	var order []string
	for _, el := range cloneAll(base) {
		byID[el.ID()] = el
		order = append(order, el.ID())
	}

	for _, entry := range change {
		id := ""
		if entry.Identity != nil {
			id = entry.Identity.ID
		}
		switch {
		case entry.Payload == nil:
			delete(byID, id)
		case id != "" && byID[id] != nil:
			for k, v := range entry.Payload {
				byID[id][k] = v
			}
		default:
			if id == "" {
				f.nextID++
				id = fmt.Sprintf("gen-%d", f.nextID)
			}
			el := entry.Payload.Clone()
			el[models.KeyID] = id
			byID[id] = el
			order = append(order, id)
		}
	}

	out := make([]models.Element, 0, len(byID))
	added := make(map[string]bool, len(byID))
	for _, id := range order {
		if el, ok := byID[id]; ok && !added[id] {
			out = append(out, el)
			added[id] = true
		}
	}
	return out
}

func (f *FakeRepository) getDatatypes(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDatatypes {
		http.Error(w, "meta unavailable", http.StatusInternalServerError)
		return
	}
	defs := make(map[string]map[string]string, len(f.datatypes))
	names := append([]string(nil), f.datatypes...)
	sort.Strings(names)
	for _, name := range names {
		defs[name] = map[string]string{"title": name}
	}
	writeJSON(w, http.StatusOK, map[string]any{"$defs": defs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func cloneAll(elements []models.Element) []models.Element {
	out := make([]models.Element, len(elements))
	for i, el := range elements {
		out[i] = el.Clone()
	}
	return out
}
