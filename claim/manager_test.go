package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beriberikix/usbipd-go/usb"
)

func newTestManager(t *testing.T) (*Manager, *LocalProvider, *usb.SimulatedProvider) {
	t.Helper()
	provider := NewLocalProvider()
	hardware := usb.NewSimulatedProvider(
		usb.NewSimulatedDevice(1, 1),
		usb.NewSimulatedDevice(1, 2),
	)
	return NewManager(provider, hardware), provider, hardware
}

func TestClaimAndRelease(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := manager.Claim(ctx, "1-1", 7)
	require.NoError(t, err)
	assert.Equal(t, "1-1", handle.BusID())
	assert.Equal(t, uint32(7), handle.Session())
	assert.NotNil(t, handle.Device())
	assert.True(t, manager.IsClaimedBy("1-1", 7))
	assert.False(t, manager.IsClaimedBy("1-1", 8))
	assert.Equal(t, StateClaimed, manager.StateOf("1-1"))
	assert.Equal(t, 1, manager.ClaimedCount())

	require.NoError(t, manager.Release(ctx, "1-1"))
	assert.Equal(t, StateUnclaimed, manager.StateOf("1-1"))
	assert.Equal(t, 0, manager.ClaimedCount())
}

func TestDoubleClaimDenied(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Claim(ctx, "1-1", 1)
	require.NoError(t, err)

	_, err = manager.Claim(ctx, "1-1", 2)
	var claimErr *Error
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, CodeAlreadyClaimed, claimErr.Code)
	assert.Equal(t, "1-1", claimErr.BusID)

	// The original claim is untouched.
	assert.True(t, manager.IsClaimedBy("1-1", 1))
}

func TestReclaimAfterRelease(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Claim(ctx, "1-1", 1)
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, "1-1"))

	_, err = manager.Claim(ctx, "1-1", 2)
	require.NoError(t, err)
	assert.True(t, manager.IsClaimedBy("1-1", 2))
}

func TestReleaseIsIdempotent(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.NoError(t, manager.Release(ctx, "1-1"))
	assert.NoError(t, manager.Release(ctx, "never-seen"))

	_, err := manager.Claim(ctx, "1-1", 1)
	require.NoError(t, err)
	assert.NoError(t, manager.Release(ctx, "1-1"))
	assert.NoError(t, manager.Release(ctx, "1-1"))
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		session := uint32(i + 1)
		go func() {
			defer wg.Done()
			_, err := manager.Claim(ctx, "1-1", session)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
			continue
		}
		var claimErr *Error
		require.ErrorAs(t, err, &claimErr)
		assert.Equal(t, CodeAlreadyClaimed, claimErr.Code)
	}
	assert.Equal(t, 1, winners)
}

func TestClaimPermissionDenied(t *testing.T) {
	manager, provider, _ := newTestManager(t)
	provider.Deny("1-1")

	_, err := manager.Claim(context.Background(), "1-1", 1)
	var claimErr *Error
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, CodePermissionDenied, claimErr.Code)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, StateUnclaimed, manager.StateOf("1-1"))
}

func TestClaimProviderUnavailable(t *testing.T) {
	manager, provider, _ := newTestManager(t)
	provider.SetAvailable(false)

	_, err := manager.Claim(context.Background(), "1-1", 1)
	var claimErr *Error
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, CodeProviderUnavailable, claimErr.Code)
}

func TestClaimRolledBackWhenOpenFails(t *testing.T) {
	provider := NewLocalProvider()
	hardware := usb.NewSimulatedProvider()
	manager := NewManager(provider, hardware)

	_, err := manager.Claim(context.Background(), "9-9", 1)
	require.Error(t, err)
	var claimErr *Error
	assert.False(t, errors.As(err, &claimErr), "hardware failure is not a denial")
	assert.Equal(t, StateUnclaimed, manager.StateOf("9-9"))

	// The provider-side claim was rolled back, so a later attempt with
	// the device present succeeds.
	hardware.AddDevice(usb.NewSimulatedDevice(9, 9))
	_, err = manager.Claim(context.Background(), "9-9", 1)
	assert.NoError(t, err)
}

func TestReleaseSession(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Claim(ctx, "1-1", 1)
	require.NoError(t, err)
	_, err = manager.Claim(ctx, "1-2", 1)
	require.NoError(t, err)

	manager.ReleaseSession(ctx, 1)
	assert.Equal(t, 0, manager.ClaimedCount())
}

func TestForceReleaseAllPublishesEvents(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	events := manager.Subscribe()
	handle, err := manager.Claim(ctx, "1-1", 3)
	require.NoError(t, err)

	manager.ForceReleaseAll("provider unavailable")
	assert.Equal(t, 0, manager.ClaimedCount())

	select {
	case event := <-events:
		assert.Equal(t, "1-1", event.BusID)
		assert.Equal(t, uint32(3), event.Session)
		assert.Equal(t, "provider unavailable", event.Reason)
	case <-time.After(time.Second):
		t.Fatal("no forced-release event")
	}

	// The hardware handle was closed; transfers fail from here on.
	_, err = handle.Device().BulkTransfer(ctx, 0x81, make([]byte, 4))
	assert.ErrorIs(t, err, usb.ErrDeviceGone)
}

func TestForceReleaseFailsInFlightTransfers(t *testing.T) {
	provider := NewLocalProvider()
	device := usb.NewSimulatedDevice(1, 1)
	device.SetDelay(0x81, 100*time.Millisecond)
	hardware := usb.NewSimulatedProvider(device)
	manager := NewManager(provider, hardware)

	handle, err := manager.Claim(context.Background(), "1-1", 3)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := handle.Device().BulkTransfer(context.Background(), 0x81, make([]byte, 8))
		result <- err
	}()

	// The transfer is past admission when the provider disappears; it
	// must still fail as not-available, not complete against a device
	// this server no longer owns.
	time.Sleep(20 * time.Millisecond)
	manager.ForceReleaseAll("provider unavailable")

	select {
	case err := <-result:
		assert.ErrorIs(t, err, usb.ErrDeviceGone)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight transfer did not finish")
	}
}

func TestHealthWatchForcesReleaseOnProviderLoss(t *testing.T) {
	manager, provider, _ := newTestManager(t)
	ctx := context.Background()

	events := manager.Subscribe()
	_, err := manager.Claim(ctx, "1-1", 5)
	require.NoError(t, err)

	manager.StartHealthWatch(10 * time.Millisecond)
	// Starting twice is a no-op.
	manager.StartHealthWatch(10 * time.Millisecond)
	defer manager.StopHealthWatch()

	provider.SetAvailable(false)

	select {
	case event := <-events:
		assert.Equal(t, "1-1", event.BusID)
	case <-time.After(2 * time.Second):
		t.Fatal("provider loss did not force a release")
	}
	assert.Equal(t, 0, manager.ClaimedCount())

	// Recovery flips the watcher back without another release burst.
	provider.SetAvailable(true)
	time.Sleep(50 * time.Millisecond)

	manager.StopHealthWatch()
	// Stopping twice is a no-op.
	manager.StopHealthWatch()
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Code: CodeAlreadyClaimed, BusID: "1-1"}
	assert.Contains(t, err.Error(), "1-1")

	wrapped := &Error{Code: CodePermissionDenied, BusID: "1-1", Err: ErrPermissionDenied}
	assert.ErrorIs(t, wrapped, ErrPermissionDenied)
}
