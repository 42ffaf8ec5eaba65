package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beriberikix/usbipd-go/usb"
	"github.com/beriberikix/usbipd-go/usbip"
)

func openLoopback(t *testing.T, device *usb.SimulatedDevice) usb.DeviceHandle {
	t.Helper()
	provider := usb.NewSimulatedProvider(device)
	handle, err := provider.Open(device.Info.BusID)
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	return handle
}

func TestBulkOutSuccess(t *testing.T) {
	handle := openLoopback(t, usb.NewSimulatedDevice(1, 1))
	exec := NewExecutor()

	result := exec.Bulk(context.Background(), handle, &Request{
		Kind:      KindBulk,
		Endpoint:  2,
		Direction: DirOut,
		Data:      make([]byte, 64),
	})
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 64, result.ActualLength)
	assert.Nil(t, result.Data, "OUT transfers carry no reply data")
}

func TestBulkInReturnsData(t *testing.T) {
	device := usb.NewSimulatedDevice(1, 1)
	device.SetEndpointHandler(0x81, func(data []byte) (int, error) {
		copy(data, []byte{0xca, 0xfe})
		return 2, nil
	})
	handle := openLoopback(t, device)
	exec := NewExecutor()

	result := exec.Bulk(context.Background(), handle, &Request{
		Kind:      KindBulk,
		Endpoint:  1,
		Direction: DirIn,
		Length:    64,
	})
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 2, result.ActualLength)
	assert.Equal(t, []byte{0xca, 0xfe}, result.Data)
}

func TestControlTransferUsesSetup(t *testing.T) {
	device := usb.NewSimulatedDevice(1, 1)
	var seen usb.SetupPacket
	device.SetControlHandler(func(setup usb.SetupPacket, data []byte) (int, error) {
		seen = setup
		return copy(data, []byte{0x12, 0x01}), nil
	})
	handle := openLoopback(t, device)
	exec := NewExecutor()

	setup := usb.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	result := exec.Control(context.Background(), handle, &Request{
		Kind:      KindControl,
		Direction: DirIn,
		Setup:     setup.Bytes(),
		Length:    18,
	})
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 2, result.ActualLength)
	assert.Equal(t, setup, seen)
}

func TestTimeoutReportsPartialLength(t *testing.T) {
	device := usb.NewSimulatedDevice(1, 1)
	device.SetDelay(0x02, time.Second)
	handle := openLoopback(t, device)
	exec := NewExecutor()

	start := time.Now()
	result := exec.Bulk(context.Background(), handle, &Request{
		Kind:      KindBulk,
		Endpoint:  2,
		Direction: DirOut,
		Data:      make([]byte, 8),
		Timeout:   30 * time.Millisecond,
	})
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Equal(t, 0, result.ActualLength)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCancellation(t *testing.T) {
	device := usb.NewSimulatedDevice(1, 1)
	device.SetDelay(0x81, time.Second)
	handle := openLoopback(t, device)
	exec := NewExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result := exec.Interrupt(ctx, handle, &Request{
		Kind:      KindInterrupt,
		Endpoint:  1,
		Direction: DirIn,
		Length:    8,
	})
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Nil(t, result.Data)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Status
	}{
		{"stall", usb.ErrEndpointStalled, StatusStall},
		{"gone", usb.ErrDeviceGone, StatusDeviceNotAvailable},
		{"timeout", usb.ErrTransferTimeout, StatusTimeout},
		{"cancelled", usb.ErrTransferCancelled, StatusCancelled},
		{"no resources", usb.ErrNoResources, StatusNoResources},
		{"invalid", usb.ErrInvalidParameter, StatusInvalidParameter},
		{"unclassified", assert.AnError, StatusDeviceNotAvailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			device := usb.NewSimulatedDevice(1, 1)
			failure := tc.err
			device.SetEndpointHandler(0x81, func([]byte) (int, error) {
				return 0, failure
			})
			handle := openLoopback(t, device)
			result := NewExecutor().Bulk(context.Background(), handle, &Request{
				Kind:      KindBulk,
				Endpoint:  1,
				Direction: DirIn,
				Length:    8,
			})
			assert.Equal(t, tc.want, result.Status)
		})
	}
}

func TestInLengthClamped(t *testing.T) {
	device := usb.NewSimulatedDevice(1, 1)
	device.SetEndpointHandler(0x81, func(data []byte) (int, error) {
		// A backend must not be able to report more than was asked for.
		return len(data) + 100, nil
	})
	handle := openLoopback(t, device)

	result := NewExecutor().Bulk(context.Background(), handle, &Request{
		Kind:      KindBulk,
		Endpoint:  1,
		Direction: DirIn,
		Length:    16,
	})
	assert.Equal(t, 16, result.ActualLength)
	assert.Len(t, result.Data, 16)
}

func TestIsochronousDispatch(t *testing.T) {
	handle := openLoopback(t, usb.NewSimulatedDevice(1, 1))
	result := Dispatch(context.Background(), NewExecutor(), handle, &Request{
		Kind:       KindIsochronous,
		Endpoint:   3,
		Direction:  DirIn,
		Length:     32,
		NumPackets: 4,
	})
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 32, result.ActualLength)
}

func TestURBStatusMapping(t *testing.T) {
	assert.Equal(t, usbip.StatusOK, StatusSuccess.URBStatus())
	assert.Equal(t, usbip.StatusENODEV, StatusDeviceNotAvailable.URBStatus())
	assert.Equal(t, usbip.StatusETIMEDOUT, StatusTimeout.URBStatus())
	assert.Equal(t, usbip.StatusECONNRESET, StatusCancelled.URBStatus())
	assert.Equal(t, usbip.StatusEPIPE, StatusStall.URBStatus())
	assert.Equal(t, usbip.StatusENOMEM, StatusNoResources.URBStatus())
	assert.Equal(t, usbip.StatusEINVAL, StatusInvalidParameter.URBStatus())
}
