package reliability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldAllow(t *testing.T) {
	boom := errors.New("redis down")

	assert.True(t, ShouldAllow(FailClosed, nil))
	assert.True(t, ShouldAllow(FailOpen, boom))
	assert.False(t, ShouldAllow(FailClosed, boom))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, s)

	s, err = ParseStrategy("fail_open")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, s)

	_, err = ParseStrategy("retry")
	assert.Error(t, err)
}
