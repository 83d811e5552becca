package clock_test

import (
	"testing"

	"github.com/mailgun/kafka-rest-proxy/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestVirtual_SleepAdvancesNow(t *testing.T) {
	v := clock.NewVirtual(1000)
	require.EqualValues(t, 1000, v.NowMs())

	v.SleepMs(250)
	require.EqualValues(t, 1250, v.NowMs())

	v.SleepMs(0)
	require.EqualValues(t, 1250, v.NowMs())

	require.Equal(t, []int64{250}, v.Sleeps())
}

func TestVirtual_AdvanceDoesNotRecordSleep(t *testing.T) {
	v := clock.NewVirtual(0)
	v.Advance(500)
	require.EqualValues(t, 500, v.NowMs())
	require.Empty(t, v.Sleeps())
}
