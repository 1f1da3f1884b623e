package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGetExpire(t *testing.T) {
	c := New(Config{DefaultTTL: 20 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	defer c.Close()

	c.Set("k", 1, 0)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}
