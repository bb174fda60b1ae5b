package api

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// DefaultMediaType is assigned to documents that do not declare one.
const DefaultMediaType = "text/plain"

// Document is the unit of persisted state moving through the pipeline.
//
// A document has a stable ID, a state name from the owning DocumentType,
// optional content, and lineage pointers: ParentID ("" for roots) and the
// ordered Children ID list, which storage backends derive from ParentID
// rows on read.
type Document struct {
	ID        string         `json:"id"`
	State     string         `json:"state"`
	Content   *string        `json:"content"`
	MediaType string         `json:"media_type"`
	URL       string         `json:"url,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Children  []string       `json:"children"`
	Metadata  map[string]any `json:"metadata"`
}

// IsRoot reports whether the document has no parent.
func (d *Document) IsRoot() bool {
	return d.ParentID == ""
}

// HasChildren reports whether the document has at least one child.
func (d *Document) HasChildren() bool {
	return len(d.Children) > 0
}

// AddChild appends a child ID, ignoring duplicates.
func (d *Document) AddChild(childID string) {
	for _, id := range d.Children {
		if id == childID {
			return
		}
	}
	d.Children = append(d.Children, childID)
}

// AddChildren appends the given child IDs, preserving order and
// skipping IDs already present.
func (d *Document) AddChildren(childIDs []string) {
	for _, id := range childIDs {
		d.AddChild(id)
	}
}

// ContentString returns the content, or "" when the document has none.
func (d *Document) ContentString() string {
	if d.Content == nil {
		return ""
	}
	return *d.Content
}

// SetContent sets the content to the given string.
func (d *Document) SetContent(s string) {
	d.Content = &s
}

// Clone returns a deep copy. Documents cross the store boundary by
// value: mutating a returned document never affects stored state.
func (d *Document) Clone() Document {
	out := *d
	if d.Content != nil {
		c := *d.Content
		out.Content = &c
	}
	if d.Children != nil {
		out.Children = append([]string(nil), d.Children...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Normalize fills generated and defaulted fields in place: a uuid when
// ID is empty, DefaultMediaType when MediaType is empty, and a non-nil
// Metadata map.
func (d *Document) Normalize() {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.MediaType == "" {
		d.MediaType = DefaultMediaType
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
}

// State is a named vertex of the document state machine. Equality is by
// name; lookups on DocumentType accept the bare name string.
type State struct {
	Name string
}

// S is shorthand for constructing a State.
func S(name string) State {
	return State{Name: name}
}

func (s State) String() string {
	return s.Name
}

// ProcessFunc is the user-supplied body of a transition. It maps one
// document to its successors; returning multiple documents fans out.
//
// Implementations should be context-aware: the engine propagates
// cancellation from Next/Finish into every in-flight ProcessFunc.
type ProcessFunc func(ctx context.Context, doc Document) ([]Document, error)

// One adapts a single-output function to a ProcessFunc.
func One(fn func(ctx context.Context, doc Document) (Document, error)) ProcessFunc {
	return func(ctx context.Context, doc Document) ([]Document, error) {
		out, err := fn(ctx, doc)
		if err != nil {
			return nil, err
		}
		return []Document{out}, nil
	}
}

// Transition is an edge of the state machine carrying a ProcessFunc.
type Transition struct {
	From    State
	To      State
	Process ProcessFunc
}

func (t Transition) String() string {
	return t.From.Name + "→" + t.To.Name
}

// DocumentType defines the state machine for a class of documents.
//
// It is immutable after construction; the transition and final-state
// lookup tables are built once on first access. To change the machine,
// construct a new DocumentType and install it with SetDocumentType.
type DocumentType struct {
	States      []State
	Transitions []Transition

	cacheOnce   sync.Once
	byFromState map[string][]Transition
	finalNames  map[string]struct{}
}

// NewDocumentType validates and returns a DocumentType. Every From and
// To state referenced by a transition must appear in states, and every
// transition must carry a process function.
func NewDocumentType(states []State, transitions []Transition) (*DocumentType, error) {
	known := make(map[string]struct{}, len(states))
	for _, s := range states {
		if s.Name == "" {
			return nil, fmt.Errorf("document type: state with empty name")
		}
		known[s.Name] = struct{}{}
	}
	for _, t := range transitions {
		if _, ok := known[t.From.Name]; !ok {
			return nil, fmt.Errorf("document type: transition references unknown from state %q", t.From.Name)
		}
		if _, ok := known[t.To.Name]; !ok {
			return nil, fmt.Errorf("document type: transition references unknown to state %q", t.To.Name)
		}
		if t.Process == nil {
			return nil, fmt.Errorf("document type: transition %s has nil process func", t)
		}
	}
	return &DocumentType{States: states, Transitions: transitions}, nil
}

// MustDocumentType is like NewDocumentType but panics on error.
// Useful for initialization in main().
func MustDocumentType(states []State, transitions []Transition) *DocumentType {
	dt, err := NewDocumentType(states, transitions)
	if err != nil {
		panic(err)
	}
	return dt
}

func (dt *DocumentType) buildCaches() {
	dt.cacheOnce.Do(func() {
		dt.byFromState = make(map[string][]Transition, len(dt.States))
		for _, t := range dt.Transitions {
			dt.byFromState[t.From.Name] = append(dt.byFromState[t.From.Name], t)
		}
		dt.finalNames = make(map[string]struct{})
		for _, s := range dt.States {
			if len(dt.byFromState[s.Name]) == 0 {
				dt.finalNames[s.Name] = struct{}{}
			}
		}
	})
}

// TransitionsFrom returns the outgoing transitions of the named state.
// The result is possibly empty and must not be mutated.
func (dt *DocumentType) TransitionsFrom(state string) []Transition {
	dt.buildCaches()
	return dt.byFromState[state]
}

// IsFinal reports whether the named state has no outgoing transitions.
// Unknown state names are trivially final.
func (dt *DocumentType) IsFinal(state string) bool {
	dt.buildCaches()
	_, ok := dt.byFromState[state]
	return !ok
}

// HasState reports whether the named state is declared by the type.
func (dt *DocumentType) HasState(state string) bool {
	for _, s := range dt.States {
		if s.Name == state {
			return true
		}
	}
	return false
}

// FinalStateNames returns the sorted names of all declared states with
// no outgoing transitions.
func (dt *DocumentType) FinalStateNames() []string {
	dt.buildCaches()
	names := make([]string, 0, len(dt.finalNames))
	for name := range dt.finalNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
