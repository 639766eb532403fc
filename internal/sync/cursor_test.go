package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursor(t *testing.T) {
	var c Cursor
	assert.Empty(t, c.Get())

	assert.False(t, c.Establish(""))
	assert.True(t, c.Establish("H100"))
	assert.Equal(t, "H100", c.Get())

	c.Commit("H200")
	assert.Equal(t, "H200", c.Get())

	// A renewal must not drag an advanced cursor back.
	assert.False(t, c.Establish("H150"))
	assert.Equal(t, "H200", c.Get())

	c.Commit("")
	assert.Equal(t, "H200", c.Get())

	c.Reset("H50")
	assert.Equal(t, "H50", c.Get())
}
