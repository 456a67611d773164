package run

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/runner/errs"
)

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"test":       ModeTest,
		" TEST ":     ModeTest,
		"production": ModeProduction,
		"Production": ModeProduction,
		"prod":       ModeProduction,
	}
	for raw, want := range cases {
		got, err := ParseMode(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := ParseMode("paper")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestModeTestMode(t *testing.T) {
	flag, err := ModeTest.TestMode()
	require.NoError(t, err)
	require.True(t, flag)

	flag, err = ModeProduction.TestMode()
	require.NoError(t, err)
	require.False(t, flag)

	_, err = Mode("staging").TestMode()
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestLiveContext(t *testing.T) {
	ctx, err := Live(ModeTest, " BTC/USD ", "v1")
	require.NoError(t, err)
	require.Equal(t, "BTC/USD", ctx.Instrument)
	require.Equal(t, "v1", ctx.Brain)
	require.True(t, ctx.TestMode)
	require.False(t, ctx.Replay)
	require.Equal(t, "live", ctx.Path())

	ctx, err = Live(ModeProduction, "BTC/USD", "v1")
	require.NoError(t, err)
	require.False(t, ctx.TestMode)
}

func TestLiveContextRejectsUnknownModeAndBlanks(t *testing.T) {
	_, err := Live(Mode("shadow"), "BTC/USD", "v1")
	require.True(t, errs.Is(err, errs.CodeConfiguration))

	_, err = Live(ModeTest, "", "v1")
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = Live(ModeTest, "BTC/USD", "  ")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestReplayContext(t *testing.T) {
	sizing := Sizing{Percentage: decimal.RequireFromString("0.5"), MaxCount: 3}
	signal := time.Date(2021, time.March, 5, 10, 0, 0, 0, time.UTC)

	ctx, err := Replay("ETH/USD", "v2", sizing, signal)
	require.NoError(t, err)
	require.True(t, ctx.Replay)
	require.True(t, ctx.TestMode)
	require.Equal(t, ModeTest, ctx.Mode)
	require.Equal(t, signal.Unix(), ctx.SignalTimestamp)
	require.Equal(t, time.March, ctx.Month)
	require.Equal(t, 2021, ctx.Year)
	require.True(t, ctx.SizingPercentage.Equal(decimal.RequireFromString("0.5")))
	require.Equal(t, 3, ctx.SizingMaxCount)
	require.Equal(t, "replay", ctx.Path())
}

func TestReplayContextUsesUTCCalendar(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 2021-04-01 03:00 JST is still March 31st in UTC.
	signal := time.Date(2021, time.April, 1, 3, 0, 0, 0, tokyo)
	ctx, err := Replay("ETH/USD", "v2", Sizing{}, signal)
	require.NoError(t, err)
	require.Equal(t, time.March, ctx.Month)
}

func TestValidateReplayInvariants(t *testing.T) {
	ctx, err := Replay("ETH/USD", "v2", Sizing{MaxCount: 1}, time.Unix(0, 0))
	require.NoError(t, err)

	broken := ctx
	broken.TestMode = false
	require.True(t, errs.Is(broken.Validate(), errs.CodeInvalid))

	broken = ctx
	broken.SizingMaxCount = -1
	require.True(t, errs.Is(broken.Validate(), errs.CodeInvalid))

	broken = ctx
	broken.SizingPercentage = decimal.NewFromInt(-1)
	require.True(t, errs.Is(broken.Validate(), errs.CodeInvalid))

	broken = ctx
	broken.Month = 0
	require.True(t, errs.Is(broken.Validate(), errs.CodeInvalid))
}

func TestIsPair(t *testing.T) {
	require.True(t, IsPair("BTC/USD", "", ""))
	require.True(t, IsPair("BTC/USD", "BTC", ""))
	require.True(t, IsPair("BTC/USD", "", "USD"))
	require.False(t, IsPair("BTC/USD", "ETH", ""))
	require.False(t, IsPair("BTC/USD", "", "EUR"))
	require.False(t, IsPair("BTCUSD", "", ""))
	require.False(t, IsPair("/USD", "", ""))
	require.False(t, IsPair("BTC/", "", ""))
	require.False(t, IsPair("A/B/C", "", ""))
}
