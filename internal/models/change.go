package models

// ChangeEntryType is the @type of every staged change entry.
const ChangeEntryType = "DataVersion"

// Change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Identity references an element by id inside a change entry.
type Identity struct {
	ID string `json:"@id"`
}

// ChangeEntry is one staged mutation. A nil Payload deletes the element named
// by Identity. Op is local bookkeeping and never sent over the wire.
type ChangeEntry struct {
	Type     string    `json:"@type"`
	Payload  Element   `json:"payload"`
	Identity *Identity `json:"identity,omitempty"`
	Op       string    `json:"-"`
}

// ElementID returns the id the entry targets or assigns.
func (c ChangeEntry) ElementID() string {
	if c.Identity != nil {
		return c.Identity.ID
	}
	return c.Payload.ID()
}

// Commit is the request body and response descriptor of a repository commit.
type Commit struct {
	ID     string        `json:"@id,omitempty"`
	Type   string        `json:"@type"`
	Change []ChangeEntry `json:"change,omitempty"`
}

// Project describes a repository project.
type Project struct {
	ID          string `json:"@id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Branch describes a project branch and its head commit.
type Branch struct {
	ID   string   `json:"@id"`
	Name string   `json:"name"`
	Head Identity `json:"head"`
}
