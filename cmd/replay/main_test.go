package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-data", "signals.csv", "-quote", "USD", "-ordered"})
	require.NoError(t, err)
	require.Equal(t, "signals.csv", opts.dataPath)
	require.Equal(t, "USD", opts.quote)
	require.True(t, opts.ordered)
	require.False(t, opts.stopOnError)

	_, err = parseFlags([]string{"-quote", "USD"})
	require.ErrorContains(t, err, "-data flag is required")

	_, err = parseFlags([]string{"-unknown"})
	require.Error(t, err)
}
