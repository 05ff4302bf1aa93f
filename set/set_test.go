package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	var s Set[string]
	assert.False(t, s.Contains("a"))

	assert.True(t, s.InsertNew("a"))
	assert.False(t, s.InsertNew("a"))
	s.Insert("b")

	assert.True(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
}
