package systemd

import (
	"context"
	"testing"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyStates(t *testing.T) {
	var got []string
	orig := notify
	notify = func(unset bool, state string) (bool, error) {
		assert.False(t, unset)
		got = append(got, state)
		return true, nil
	}
	t.Cleanup(func() { notify = orig })

	_, err := Ready()
	require.NoError(t, err)
	_, err = Status("%d/%d connected", 2, 3)
	require.NoError(t, err)
	_, err = Reloading()
	require.NoError(t, err)
	_, err = Stopping()
	require.NoError(t, err)

	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=2/3 connected", daemon.SdNotifyReloading, daemon.SdNotifyStopping}, got)
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	require.NoError(t, Watchdog(context.Background()))
}
