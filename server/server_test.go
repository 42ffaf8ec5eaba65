package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beriberikix/usbipd-go/claim"
	"github.com/beriberikix/usbipd-go/config"
	"github.com/beriberikix/usbipd-go/usb"
	"github.com/beriberikix/usbipd-go/usbip"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.RequestTimeout = 2 * time.Second
	cfg.ShutdownGrace = 2 * time.Second
	cfg.HealthInterval = time.Hour
	return cfg
}

func startTestServer(t *testing.T, cfg *config.Config, devices ...*usb.SimulatedDevice) (*Server, *usb.SimulatedProvider) {
	t.Helper()
	if len(devices) == 0 {
		devices = []*usb.SimulatedDevice{
			usb.NewSimulatedDevice(20, 1),
			usb.NewSimulatedDevice(20, 2),
		}
	}
	provider := usb.NewSimulatedProvider(devices...)
	srv, err := New(cfg,
		WithProvider(provider),
		WithClaimProvider(claim.NewLocalProvider()),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv, provider
}

// testClient speaks the client side of the wire protocol over TCP.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msg usbip.Message) {
	c.t.Helper()
	_, err := c.conn.Write(msg.Encode())
	require.NoError(c.t, err)
}

func (c *testClient) devlist() *usbip.OpRepDevlist {
	c.t.Helper()
	c.send(&usbip.OpReqDevlist{})
	msg, err := usbip.ReadOpMessage(c.conn)
	require.NoError(c.t, err)
	reply, ok := msg.(*usbip.OpRepDevlist)
	require.True(c.t, ok, "expected OP_REP_DEVLIST, got %T", msg)
	return reply
}

func (c *testClient) importDevice(busID string) *usbip.OpRepImport {
	c.t.Helper()
	c.send(&usbip.OpReqImport{BusID: busID})
	msg, err := usbip.ReadOpMessage(c.conn)
	require.NoError(c.t, err)
	reply, ok := msg.(*usbip.OpRepImport)
	require.True(c.t, ok, "expected OP_REP_IMPORT, got %T", msg)
	return reply
}

// mustImport imports a device and returns its devid.
func (c *testClient) mustImport(busID string) uint32 {
	c.t.Helper()
	reply := c.importDevice(busID)
	require.Equal(c.t, usbip.ImportStatusOK, reply.Status)
	require.NotNil(c.t, reply.Device)
	return reply.Device.Busnum<<16 | reply.Device.Devnum
}

func (c *testClient) readRetSubmit(direction usbip.Direction) *usbip.RetSubmit {
	c.t.Helper()
	msg, err := usbip.ReadRetMessage(c.conn, direction)
	require.NoError(c.t, err)
	ret, ok := msg.(*usbip.RetSubmit)
	require.True(c.t, ok, "expected RET_SUBMIT, got %T", msg)
	return ret
}

func (c *testClient) readRetUnlink() *usbip.RetUnlink {
	c.t.Helper()
	msg, err := usbip.ReadRetMessage(c.conn, usbip.DirOut)
	require.NoError(c.t, err)
	ret, ok := msg.(*usbip.RetUnlink)
	require.True(c.t, ok, "expected RET_UNLINK, got %T", msg)
	return ret
}

func TestDevlistReportsDevices(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)

	reply := client.devlist()
	require.Len(t, reply.Devices, 2)
	busIDs := []string{
		reply.Devices[0].Header.BusIDString(),
		reply.Devices[1].Header.BusIDString(),
	}
	assert.ElementsMatch(t, []string{"20-1", "20-2"}, busIDs)
}

func TestTwoClientsSeeIdenticalDevlists(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	first := dialServer(t, srv)
	second := dialServer(t, srv)

	assert.Equal(t, first.devlist(), second.devlist())
}

func TestImportAndBulkOut(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirOut,
		Endpoint:             2,
		TransferBufferLength: 64,
		Data:                 make([]byte, 64),
	})
	ret := client.readRetSubmit(usbip.DirOut)
	assert.Equal(t, uint32(1), ret.SeqNum)
	assert.Equal(t, usbip.StatusOK, ret.Status)
	assert.Equal(t, uint32(64), ret.ActualLength)
	assert.Empty(t, ret.Data)
}

func TestImportByCompositeID(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)

	reply := client.importDevice("20:1")
	assert.Equal(t, usbip.ImportStatusOK, reply.Status)
	require.NotNil(t, reply.Device)
	assert.Equal(t, "20-1", reply.Device.BusIDString())
}

func TestBulkInReturnsDeviceData(t *testing.T) {
	device := usb.NewSimulatedDevice(20, 1)
	device.SetEndpointHandler(0x81, func(data []byte) (int, error) {
		return copy(data, []byte("pong")), nil
	})
	srv, _ := startTestServer(t, testConfig(), device)
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirIn,
		Endpoint:             1,
		TransferBufferLength: 64,
	})
	ret := client.readRetSubmit(usbip.DirIn)
	assert.Equal(t, usbip.StatusOK, ret.Status)
	assert.Equal(t, uint32(4), ret.ActualLength)
	assert.Equal(t, []byte("pong"), ret.Data)
}

func TestControlTransfer(t *testing.T) {
	device := usb.NewSimulatedDevice(20, 1)
	device.SetControlHandler(func(setup usb.SetupPacket, data []byte) (int, error) {
		if setup.Request == 0x06 {
			return copy(data, []byte{0x12, 0x01, 0x00, 0x02}), nil
		}
		return 0, usb.ErrEndpointStalled
	})
	srv, _ := startTestServer(t, testConfig(), device)
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	setup := usb.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirIn,
		Endpoint:             0,
		TransferBufferLength: 18,
		Setup:                setup.Bytes(),
	})
	ret := client.readRetSubmit(usbip.DirIn)
	assert.Equal(t, usbip.StatusOK, ret.Status)
	assert.Equal(t, uint32(4), ret.ActualLength)
	assert.Equal(t, []byte{0x12, 0x01, 0x00, 0x02}, ret.Data)
}

func TestSubmitForUnimportedDevice(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)
	client.mustImport("20-1")

	// 20-2 exists but was never imported by this session.
	other := uint32(20<<16 | 2)
	client.send(&usbip.CmdSubmit{
		SeqNum:    1,
		DevID:     other,
		Direction: usbip.DirIn,
		Endpoint:  1,
	})
	ret := client.readRetSubmit(usbip.DirIn)
	assert.Equal(t, usbip.StatusENODEV, ret.Status)
	assert.Equal(t, uint32(0), ret.ActualLength)
	assert.Empty(t, ret.Data)
}

func TestImportUnknownDevice(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)

	reply := client.importDevice("9-9")
	assert.Equal(t, usbip.ImportStatusError, reply.Status)
	assert.Nil(t, reply.Device)

	// The session stays in the operation phase and can try again.
	assert.Equal(t, usbip.ImportStatusOK, client.importDevice("20-1").Status)
}

func TestSecondImportDenied(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	first := dialServer(t, srv)
	first.mustImport("20-1")

	second := dialServer(t, srv)
	reply := second.importDevice("20-1")
	assert.Equal(t, usbip.ImportStatusError, reply.Status)
	assert.Equal(t, 1, srv.Health().ClaimedDevices)
}

func TestUnlinkUnknownSeqNum(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdUnlink{SeqNum: 10, DevID: devID, UnlinkSeqNum: 999})
	ret := client.readRetUnlink()
	assert.Equal(t, uint32(10), ret.SeqNum)
	assert.Equal(t, usbip.StatusENOENT, ret.Status)
}

func TestUnlinkPendingRequest(t *testing.T) {
	device := usb.NewSimulatedDevice(20, 1)
	device.SetDelay(0x81, 10*time.Second)
	srv, _ := startTestServer(t, testConfig(), device)
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirIn,
		Endpoint:             1,
		TransferBufferLength: 8,
	})
	// Let the submit register before unlinking it.
	require.Eventually(t, func() bool {
		return srv.Health().PendingRequests == 1
	}, 2*time.Second, 5*time.Millisecond)

	client.send(&usbip.CmdUnlink{SeqNum: 2, DevID: devID, UnlinkSeqNum: 1})
	ret := client.readRetUnlink()
	assert.Equal(t, uint32(2), ret.SeqNum)
	assert.Equal(t, usbip.StatusECONNRESET, ret.Status)

	// The unlinked request never produces a RET_SUBMIT: the next reply
	// on the stream belongs to a fresh submission.
	client.send(&usbip.CmdSubmit{
		SeqNum:               3,
		DevID:                devID,
		Direction:            usbip.DirOut,
		Endpoint:             2,
		TransferBufferLength: 4,
		Data:                 []byte{1, 2, 3, 4},
	})
	next := client.readRetSubmit(usbip.DirOut)
	assert.Equal(t, uint32(3), next.SeqNum)
	assert.Equal(t, usbip.StatusOK, next.Status)
}

func TestSlowTransferDoesNotBlockOthers(t *testing.T) {
	device := usb.NewSimulatedDevice(20, 1)
	device.SetDelay(0x81, 500*time.Millisecond)
	srv, _ := startTestServer(t, testConfig(), device)
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirIn,
		Endpoint:             1,
		TransferBufferLength: 8,
	})
	client.send(&usbip.CmdSubmit{
		SeqNum:               2,
		DevID:                devID,
		Direction:            usbip.DirOut,
		Endpoint:             2,
		TransferBufferLength: 4,
		Data:                 []byte{1, 2, 3, 4},
	})

	// The fast OUT on another endpoint completes first even though it
	// was submitted second.
	first := client.readRetSubmit(usbip.DirOut)
	assert.Equal(t, uint32(2), first.SeqNum)

	second := client.readRetSubmit(usbip.DirIn)
	assert.Equal(t, uint32(1), second.SeqNum)
	assert.Equal(t, usbip.StatusOK, second.Status)
}

func TestTransferTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	device := usb.NewSimulatedDevice(20, 1)
	device.SetDelay(0x81, 10*time.Second)
	srv, _ := startTestServer(t, cfg, device)
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirIn,
		Endpoint:             1,
		TransferBufferLength: 8,
	})
	ret := client.readRetSubmit(usbip.DirIn)
	assert.Equal(t, usbip.StatusETIMEDOUT, ret.Status)
	assert.Empty(t, ret.Data)
}

func TestStallReportedAsEPIPE(t *testing.T) {
	device := usb.NewSimulatedDevice(20, 1)
	device.StallEndpoint(0x81)
	srv, _ := startTestServer(t, testConfig(), device)
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirIn,
		Endpoint:             1,
		TransferBufferLength: 8,
	})
	ret := client.readRetSubmit(usbip.DirIn)
	assert.Equal(t, usbip.StatusEPIPE, ret.Status)
}

func TestDisconnectReleasesClaims(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)
	client.mustImport("20-1")
	require.Equal(t, 1, srv.Health().ClaimedDevices)

	client.conn.Close()

	require.Eventually(t, func() bool {
		health := srv.Health()
		return health.ClaimedDevices == 0 && health.ActiveSessions == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The device is importable again.
	next := dialServer(t, srv)
	assert.Equal(t, usbip.ImportStatusOK, next.importDevice("20-1").Status)
}

func TestDisconnectCancelsPendingTransfers(t *testing.T) {
	device := usb.NewSimulatedDevice(20, 1)
	device.SetDelay(0x81, 10*time.Second)
	srv, _ := startTestServer(t, testConfig(), device)
	client := dialServer(t, srv)
	devID := client.mustImport("20-1")

	client.send(&usbip.CmdSubmit{
		SeqNum:               1,
		DevID:                devID,
		Direction:            usbip.DirIn,
		Endpoint:             1,
		TransferBufferLength: 8,
	})
	require.Eventually(t, func() bool {
		return srv.Health().PendingRequests == 1
	}, 2*time.Second, 5*time.Millisecond)

	client.conn.Close()

	require.Eventually(t, func() bool {
		health := srv.Health()
		return health.PendingRequests == 0 && health.ClaimedDevices == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMaxConnectionsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	srv, _ := startTestServer(t, cfg)

	first := dialServer(t, srv)
	first.devlist()

	second := dialServer(t, srv)
	// The server closes the connection without a reply; the write may
	// race the close, so only the read outcome matters.
	second.conn.Write((&usbip.OpReqDevlist{}).Encode())
	_, err := usbip.ReadOpMessage(second.conn)
	assert.Error(t, err)

	// Admission is by live session count: once the first client leaves,
	// new ones are welcome.
	first.conn.Close()
	require.Eventually(t, func() bool {
		return srv.Health().ActiveSessions == 0
	}, 5*time.Second, 10*time.Millisecond)

	third := dialServer(t, srv)
	assert.Len(t, third.devlist().Devices, 2)
}

func TestHotplugVisibleToNewDevlists(t *testing.T) {
	srv, provider := startTestServer(t, testConfig())
	client := dialServer(t, srv)
	require.Len(t, client.devlist().Devices, 2)

	provider.AddDevice(usb.NewSimulatedDevice(20, 3))
	require.Eventually(t, func() bool {
		devices, err := srv.Registry().Devices()
		return err == nil && len(devices) == 3
	}, 2*time.Second, 20*time.Millisecond)

	assert.Len(t, dialServer(t, srv).devlist().Devices, 3)
}

func TestStopDrainsSessions(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	client := dialServer(t, srv)
	client.mustImport("20-1")

	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within the grace period")
	}
	assert.False(t, srv.Health().Listening)
	assert.Nil(t, srv.Addr())

	// Stopping an already-stopped server is a no-op.
	assert.NoError(t, srv.Stop())
}

// recordingReporter captures every health snapshot it is handed.
type recordingReporter struct {
	mu      sync.Mutex
	reports []Health
}

func (r *recordingReporter) Report(health Health) {
	r.mu.Lock()
	r.reports = append(r.reports, health)
	r.mu.Unlock()
}

func (r *recordingReporter) snapshot() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Health(nil), r.reports...)
}

func TestStartReportsHealthAndReturns(t *testing.T) {
	reporter := &recordingReporter{}
	provider := usb.NewSimulatedProvider(usb.NewSimulatedDevice(20, 1))
	srv, err := New(testConfig(),
		WithProvider(provider),
		WithClaimProvider(claim.NewLocalProvider()),
		WithStatusReporter(reporter),
	)
	require.NoError(t, err)

	// Start reports through Health, which takes the server lock; it
	// must come back rather than wedge on its own mutex.
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	t.Cleanup(func() { srv.Stop() })

	reports := reporter.snapshot()
	require.NotEmpty(t, reports)
	assert.True(t, reports[0].Listening)

	require.NoError(t, srv.Stop())
	reports = reporter.snapshot()
	assert.False(t, reports[len(reports)-1].Listening)
}

func TestHealthSnapshot(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	health := srv.Health()
	assert.True(t, health.Listening)
	assert.Equal(t, 0, health.ActiveSessions)

	client := dialServer(t, srv)
	client.mustImport("20-1")
	require.Eventually(t, func() bool {
		health := srv.Health()
		return health.ActiveSessions == 1 && health.ClaimedDevices == 1
	}, 2*time.Second, 10*time.Millisecond)
}
