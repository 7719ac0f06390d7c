package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowIsUTCMillis(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()

	assert.Equal(t, time.UTC, got.Location())
	assert.WithinDuration(t, before.Add(time.Second), got, time.Second)
	assert.Zero(t, got.Nanosecond()%int(time.Millisecond), "sub-millisecond precision leaked: %v", got)
	assert.True(t, got.Equal(got.Truncate(time.Millisecond)))
}
