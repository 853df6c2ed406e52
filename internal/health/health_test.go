package health

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCheckerRunAll(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("up", func(context.Context) Status { return StatusOK })
	c.Register("down", func(context.Context) Status { return StatusDown })

	results := c.RunAll(context.Background())
	assert.Equal(t, StatusOK, results["up"])
	assert.Equal(t, StatusDown, results["down"])
	assert.False(t, c.Healthy(context.Background()))
}

func TestDirWritable(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusOK, DirWritable(dir)(context.Background()))
	assert.Equal(t, StatusDown, DirWritable(filepath.Join(dir, "missing"))(context.Background()))
}
