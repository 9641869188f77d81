package horizon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchTarget(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "web-1:default", true},
		{"web-1:default", "web-1:default", true},
		{"web-1:*", "web-1:default", true},
		{"web-1:*", "web-2:default", false},
		{"*:emails", "web-2:emails", true},
		{"[", "web-1:default", false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, MatchTarget(tc.pattern, tc.name), "%s vs %s", tc.pattern, tc.name)
	}
}

func TestSlugAndNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ip-10-0-0-1-ec2-internal", Slug("IP-10-0-0-1.ec2.internal"))
	name := SupervisorName("web-1", "default")
	require.Equal(t, "web-1:default", name)
	require.Equal(t, "web-1", MasterOf(name))
	require.Equal(t, "", MasterOf("orphan"))
	require.Equal(t, "supervisor:web-1:default", SupervisorLease(name))
	require.Equal(t, "master:web-1", MasterLease("web-1"))
}

func TestParseBalance(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Balance{
		"simple": BalanceSimple,
		"auto":   BalanceAuto,
		"false":  BalanceOff,
		"":       BalanceOff,
	} {
		got, ok := ParseBalance(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got)
	}
	_, ok := ParseBalance("random")
	require.False(t, ok)
}

func TestSignalValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Signal{Target: "a", Action: ActionPause}.Validate())
	require.Error(t, Signal{Action: ActionPause}.Validate())
	require.Error(t, Signal{Target: "a", Action: ActionScale}.Validate())
	require.NoError(t, Signal{Target: "a", Action: ActionScale, Processes: 3}.Validate())
	require.Error(t, Signal{Target: "a", Action: ActionTimeout, Timeout: -time.Second}.Validate())
	require.Error(t, Signal{Target: "a", Action: "reboot"}.Validate())

	action, err := ParseAction("continue")
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)
	_, err = ParseAction("nope")
	require.Error(t, err)
}

func TestQueueStatsAverageRuntime(t *testing.T) {
	t.Parallel()

	require.Zero(t, QueueStats{}.AverageRuntime())
	stats := QueueStats{Processed: 4, RuntimeTotal: 2 * time.Second}
	require.Equal(t, 500*time.Millisecond, stats.AverageRuntime())
}
