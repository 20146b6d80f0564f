package contextbuilder

import "strings"

// Entry is one element serialization in a Context.
type Entry struct {
	ID      string
	Content string
	// Related is true when the entry was found by owner/child expansion
	// rather than by the similarity query.
	Related bool
}

// Context is the ordered, deduplicated element set assembled for one change
// request. Similarity matches come first, then related elements in discovery
// order.
type Context struct {
	Entries []Entry
	// Cycles lists ids at which owner traversal found a cycle.
	Cycles []string
}

// Len returns the number of entries.
func (c Context) Len() int {
	return len(c.Entries)
}

// IDs returns the entry ids in order.
func (c Context) IDs() []string {
	out := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		out[i] = e.ID
	}
	return out
}

// Matches returns the ids found by the similarity query, in rank order.
func (c Context) Matches() []string {
	out := []string{}
	for _, e := range c.Entries {
		if !e.Related {
			out = append(out, e.ID)
		}
	}
	return out
}

// Strings returns the serialized entries in order.
func (c Context) Strings() []string {
	out := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		out[i] = e.Content
	}
	return out
}

// String renders the context one element per line.
func (c Context) String() string {
	return strings.Join(c.Strings(), "\n")
}
