package observability

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatRendersFields(t *testing.T) {
	line := Format("INFO", "dispatch finished",
		F("instrument", "BTC/USD"),
		F("brain", "mean reversion"),
		F("attempt", 1),
		F("err", errors.New("engine down")),
		F("", "ignored"),
	)
	require.Equal(t, `INFO dispatch finished instrument=BTC/USD brain="mean reversion" attempt=1 err="engine down"`, line)
}

func TestStdLoggerDropsDebugUnlessEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)
	logger.Debug("hidden")
	logger.Info("shown", F("k", "v"))
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "INFO shown k=v")

	buf.Reset()
	verbose := NewStdLogger(log.New(&buf, "", 0), true)
	verbose.Debug("visible")
	require.True(t, strings.HasPrefix(buf.String(), "DEBUG visible"))
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewStdLogger(log.New(&buf, "", 0), true))
	Log().Info("captured")
	SetLogger(nil)
	Log().Info("dropped")
	require.Contains(t, buf.String(), "captured")
	require.NotContains(t, buf.String(), "dropped")
}

func TestJoinErrors(t *testing.T) {
	require.NoError(t, JoinErrors("notify", []error{nil, nil}))

	first := errors.New("telegram down")
	err := JoinErrors("notify", []error{first, nil, errors.New("discord down")})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.Contains(t, err.Error(), "notify failed")
}
