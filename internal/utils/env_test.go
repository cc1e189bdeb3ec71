package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("UTILS_TEST_SET", "value")
	assert.Equal(t, "value", GetEnvWithDefault("UTILS_TEST_SET", "fallback"))
	assert.Equal(t, "fallback", GetEnvWithDefault("UTILS_TEST_UNSET", "fallback"))
}

func TestGetEnv(t *testing.T) {
	t.Setenv("UTILS_TEST_SET", "value")
	got, err := GetEnv("UTILS_TEST_SET")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	_, err = GetEnv("UTILS_TEST_UNSET")
	require.Error(t, err)
}

func TestGetDurationWithDefault(t *testing.T) {
	t.Setenv("UTILS_TEST_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetDurationWithDefault("UTILS_TEST_DURATION", time.Second))

	t.Setenv("UTILS_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, GetDurationWithDefault("UTILS_TEST_DURATION", time.Second))
}
