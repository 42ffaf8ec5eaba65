package usb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDeviceDir(t *testing.T, root, busID string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, busID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestParseSysfsUevent(t *testing.T) {
	dir := writeDeviceDir(t, t.TempDir(), "3-7", map[string]string{
		"uevent": "MAJOR=189\nMINOR=262\nDEVNAME=bus/usb/003/007\nDEVTYPE=usb_device\nBUSNUM=003\nDEVNUM=007\nPRODUCT=5ac/24f/100\n",
	})
	uevent, err := parseSysfsUevent(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), uevent.BusNum)
	assert.Equal(t, uint32(7), uevent.DevNum)
	assert.Equal(t, uint16(0x05ac), uevent.Vendor)
	assert.Equal(t, uint16(0x024f), uevent.Product)
	assert.Equal(t, uint16(0x0100), uevent.BcdDevice)
}

func TestParseSysfsUeventSkipsMalformedLines(t *testing.T) {
	dir := writeDeviceDir(t, t.TempDir(), "1-1", map[string]string{
		"uevent": "garbage\nBUSNUM=abc\nDEVNUM=002\nPRODUCT=1/2\n",
	})
	uevent, err := parseSysfsUevent(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), uevent.BusNum)
	assert.Equal(t, uint32(2), uevent.DevNum)
	assert.Equal(t, uint16(0), uevent.Vendor)
}

func TestReadSysfsSpeed(t *testing.T) {
	root := t.TempDir()
	cases := map[string]Speed{
		"1.5":   SpeedLow,
		"12":    SpeedFull,
		"480":   SpeedHigh,
		"5000":  SpeedSuper,
		"10000": SpeedSuperPlus,
		"9":     SpeedUnknown,
	}
	for value, want := range cases {
		dir := writeDeviceDir(t, root, "s"+value, map[string]string{"speed": value + "\n"})
		assert.Equal(t, want, readSysfsSpeed(dir), "speed %q", value)
	}
	assert.Equal(t, SpeedUnknown, readSysfsSpeed(filepath.Join(root, "missing")))
}

func TestSysfsWatcherCoalescesEvents(t *testing.T) {
	root := t.TempDir()
	watcher := &sysfsWatcher{root: root, log: logrus.WithField("component", "test")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := watcher.Watch(ctx)
	require.NoError(t, err)

	// A burst of creations should produce a single notification.
	for i := 0; i < 5; i++ {
		writeDeviceDir(t, root, "1-"+string(rune('1'+i)), map[string]string{"speed": "480"})
	}

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no hotplug notification")
	}
	select {
	case <-events:
		t.Fatal("burst was not coalesced")
	case <-time.After(400 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, time.Second, 10*time.Millisecond)
}
