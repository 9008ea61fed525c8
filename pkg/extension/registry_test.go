package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type greeter interface{ Greet() string }

type fixed string

func (f fixed) Greet() string { return string(f) }

func TestRegistry_ListKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	Register[greeter](r, "greet", fixed("a"))
	Register[greeter](r, "greet", fixed("b"))
	Register[greeter](r, "other", fixed("c"))

	var got []string
	for _, g := range List[greeter](r, "greet") {
		got = append(got, g.Greet())
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRegistry_SkipsMismatchedTypes(t *testing.T) {
	r := NewRegistry()
	Register(r, "greet", 42)
	Register[greeter](r, "greet", fixed("ok"))

	assert.Len(t, List[greeter](r, "greet"), 1)
}

func TestRegistry_NilIsEmpty(t *testing.T) {
	assert.Empty(t, List[greeter](nil, "greet"))
}
