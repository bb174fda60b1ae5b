package docstate

import (
	"fmt"

	"github.com/valtteri/docstate/pkg/api"
)

// TypeBuilder provides a fluent API for defining document state
// machines:
//
//	dt, err := docstate.NewType().
//	    States("link", "download", "chunk", "error").
//	    Transition("link", "download", fetch).
//	    Transition("download", "chunk", split).
//	    Build()
//
//	store := docstate.NewMemoryStore(docstate.WithDocumentType(dt))
type TypeBuilder struct {
	states      []api.State
	seen        map[string]struct{}
	transitions []api.Transition
}

// NewType creates a new document type builder.
func NewType() *TypeBuilder {
	return &TypeBuilder{seen: make(map[string]struct{})}
}

// State declares a state. Declaring the same name twice is a no-op.
func (b *TypeBuilder) State(name string) *TypeBuilder {
	if name == "" {
		panic("docstate: state name must not be empty")
	}
	if _, ok := b.seen[name]; ok {
		return b
	}
	b.seen[name] = struct{}{}
	b.states = append(b.states, api.S(name))
	return b
}

// States declares several states at once.
func (b *TypeBuilder) States(names ...string) *TypeBuilder {
	for _, name := range names {
		b.State(name)
	}
	return b
}

// Transition appends a transition between two declared states. The
// endpoints are validated at Build time; fn must not be nil.
func (b *TypeBuilder) Transition(from, to string, fn ProcessFunc) *TypeBuilder {
	if from == "" || to == "" {
		panic("docstate: transition endpoints must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("docstate: transition %s→%s has nil process func", from, to))
	}
	b.transitions = append(b.transitions, api.Transition{
		From:    api.S(from),
		To:      api.S(to),
		Process: fn,
	})
	return b
}

// Build validates the machine and returns the DocumentType. Every
// transition endpoint must have been declared with State or States.
func (b *TypeBuilder) Build() (*DocumentType, error) {
	return api.NewDocumentType(b.states, b.transitions)
}

// MustBuild is like Build but panics on error.
// Useful for initialization in main().
func (b *TypeBuilder) MustBuild() *DocumentType {
	dt, err := b.Build()
	if err != nil {
		panic(err)
	}
	return dt
}
