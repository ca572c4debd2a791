package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephresearch/abootool/pkg/adb"
	"github.com/alephresearch/abootool/pkg/config"
	"github.com/alephresearch/abootool/pkg/devices"
	"github.com/alephresearch/abootool/pkg/fastboot/fastboottest"
)

type fakeBus struct {
	open  func(kind devices.InterfaceKind) (devices.Handle, error)
	opens []devices.InterfaceKind
}

func (b *fakeBus) Open(ctx context.Context, kind devices.InterfaceKind, serial string) (devices.Handle, error) {
	b.opens = append(b.opens, kind)
	return b.open(kind)
}

func (b *fakeBus) count(kind devices.InterfaceKind) int {
	n := 0
	for _, k := range b.opens {
		if k == kind {
			n++
		}
	}
	return n
}

// fastbootOnly returns a bus that hands out the given handles, in order, on
// fastboot opens.
func fastbootOnly(handles ...devices.Handle) *fakeBus {
	return &fakeBus{
		open: func(kind devices.InterfaceKind) (devices.Handle, error) {
			if kind != devices.Fastboot || len(handles) == 0 {
				return nil, nil
			}
			h := handles[0]
			handles = handles[1:]
			return h, nil
		},
	}
}

type fakeAdb struct {
	err   error
	calls int
}

func (a *fakeAdb) RebootBootloader(ctx context.Context, h devices.Handle) error {
	a.calls++
	return a.err
}

type fakeAdbTool struct {
	attached bool
	reboots  int
	onReboot func()
}

func (t *fakeAdbTool) RebootBootloader(ctx context.Context, serial string) error {
	t.reboots++
	if t.onReboot != nil {
		t.onReboot()
	}
	return nil
}

func (t *fakeAdbTool) DeviceAttached(ctx context.Context, serial string) bool {
	return t.attached
}

const sentinel = "foobarbaz"

func newTestSession(bus devices.Bus, a Adb, tool AdbTool) *Session {
	cfg := config.Default()
	cfg.OEMErrorSentinel = sentinel
	s := New(cfg, bus, a, tool)
	s.pollInterval = time.Millisecond
	s.retryDelay = time.Millisecond
	s.rebootDelay = time.Millisecond
	return s
}

// bootloader answers the known oem commands and FAILs everything else
// with unknown(cmd).
func bootloader(known map[string][]fastboottest.Packet, unknown func(cmd string) []fastboottest.Packet) *fastboottest.Device {
	return &fastboottest.Device{
		SerialNumber: "0123456789",
		Respond: func(cmd string) []fastboottest.Packet {
			if p, ok := known[cmd]; ok {
				return p
			}
			return unknown(strings.TrimPrefix(cmd, "oem "))
		},
	}
}

func genericFail(string) []fastboottest.Packet {
	return []fastboottest.Packet{fastboottest.Fail("unknown command")}
}

func countCommand(d *fastboottest.Device, cmd string) int {
	n := 0
	for _, c := range d.Commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestOemClassification(t *testing.T) {
	dev := bootloader(map[string][]fastboottest.Packet{
		"oem unlock": {fastboottest.Info("unlocking"), fastboottest.Okay("")},
		"oem unlockbootloader": {fastboottest.Fail("not allowed")},
	}, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})
	ctx := context.Background()

	o, err := s.Oem(ctx, "unlock", true, true)
	require.NoError(t, err)
	assert.Equal(t, Okay, o.Kind)
	assert.Equal(t, "unlocking\n", o.Response)

	o, err = s.Oem(ctx, "unlockbootloader", true, true)
	require.NoError(t, err)
	assert.Equal(t, Failed, o.Kind)
	assert.Equal(t, "not allowed", o.Message)

	o, err = s.Oem(ctx, "lock", true, true)
	require.NoError(t, err)
	assert.Equal(t, NotFound, o.Kind)

	assert.Equal(t, 1, countCommand(dev, "oem "+sentinel), "fingerprint is resolved once")
	assert.Equal(t, ConnectedFastboot, s.State())
}

func TestNotFoundEchoingCommand(t *testing.T) {
	dev := bootloader(nil, func(cmd string) []fastboottest.Packet {
		verb := strings.Fields(cmd)[0]
		if verb == "lock" {
			// Only echoes the first word.
			cmd = verb
		}
		return []fastboottest.Packet{fastboottest.Fail(fmt.Sprintf("Unknown command '%s'", cmd))}
	})
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})
	ctx := context.Background()

	for _, cmd := range []string{"frob", "lock now", "Mixed-Case"} {
		o, err := s.Oem(ctx, cmd, true, true)
		require.NoError(t, err)
		assert.Equal(t, NotFound, o.Kind, cmd)
	}
}

func TestIsNotFoundResponseReflexive(t *testing.T) {
	dev := bootloader(nil, func(string) []fastboottest.Packet {
		return []fastboottest.Packet{fastboottest.Info("Command\nNOT found"), fastboottest.Fail("")}
	})
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})
	require.NoError(t, s.ResolveErrorFingerprint(context.Background()))

	for _, cmd := range []string{"x", "help me", sentinel} {
		assert.True(t, s.IsNotFoundResponse(s.fingerprint, cmd), cmd)
	}
	assert.True(t, s.IsNotFoundResponse("COMMAND\nnot Found\n", "x"))
	assert.False(t, s.IsNotFoundResponse("command found", "x"))
}

func TestIsNotFoundResponseUnresolved(t *testing.T) {
	s := newTestSession(fastbootOnly(), nil, &fakeAdbTool{})
	assert.False(t, s.IsNotFoundResponse("", ""))
}

func TestTimeoutFingerprint(t *testing.T) {
	dev := bootloader(map[string][]fastboottest.Packet{
		"oem unlock": {fastboottest.Okay("")},
	}, func(string) []fastboottest.Packet {
		return []fastboottest.Packet{fastboottest.Timeout()}
	})
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})
	ctx := context.Background()

	o, err := s.Oem(ctx, "frobnicate", true, true)
	require.NoError(t, err)
	assert.Equal(t, NotFound, o.Kind)
	assert.True(t, s.fingerprintTimeout)

	o, err = s.Oem(ctx, "unlock", true, true)
	require.NoError(t, err)
	assert.Equal(t, Okay, o.Kind)
	assert.Equal(t, 1, countCommand(dev, "oem "+sentinel), "timeout fingerprint is memoized")
}

func TestTimeoutAllowed(t *testing.T) {
	dev := bootloader(map[string][]fastboottest.Packet{
		"oem slow": {fastboottest.Info("thinking"), fastboottest.Timeout()},
	}, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})

	o, err := s.Oem(context.Background(), "slow", true, true)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, o.Kind)
	assert.Equal(t, ConnectedFastboot, s.State(), "allowed timeouts keep the connection")
}

func TestTimeoutNotAllowedIsUsbError(t *testing.T) {
	dev := bootloader(map[string][]fastboottest.Packet{
		"oem slow": {fastboottest.Timeout()},
	}, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})

	o, err := s.Oem(context.Background(), "slow", false, true)
	require.NoError(t, err)
	assert.Equal(t, UsbError, o.Kind)
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, dev.Closed)
	assert.False(t, s.fingerprintResolved, "disconnect clears the fingerprint")
}

func TestTransportFaultRetried(t *testing.T) {
	flaky := bootloader(map[string][]fastboottest.Packet{
		"oem frob": {{Data: "DATA00000010"}},
	}, genericFail)
	fresh := bootloader(map[string][]fastboottest.Packet{
		"oem frob": {fastboottest.Okay("frobbed")},
	}, genericFail)
	bus := fastbootOnly(flaky, fresh)
	s := newTestSession(bus, nil, &fakeAdbTool{})

	o, err := s.Oem(context.Background(), "frob", true, false)
	require.NoError(t, err)
	assert.Equal(t, Okay, o.Kind)
	assert.Equal(t, "frobbed", o.Response)
	assert.Equal(t, 2, bus.count(devices.Fastboot))
	assert.True(t, flaky.Closed)
	assert.Equal(t, 1, countCommand(fresh, "oem "+sentinel), "fingerprint is resolved again after reconnect")
}

func TestFatalError(t *testing.T) {
	dev := bootloader(map[string][]fastboottest.Packet{
		"oem frob": {{Err: fmt.Errorf("%w: no memory", devices.ErrFatal)}},
	}, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})

	_, err := s.Oem(context.Background(), "frob", true, false)
	assert.True(t, errors.Is(err, devices.ErrFatal), "got %v", err)
}

func TestCommandTooLong(t *testing.T) {
	dev := bootloader(nil, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})

	o, err := s.Oem(context.Background(), strings.Repeat("x", 100), true, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, o.Kind)
}

func TestGetvar(t *testing.T) {
	dev := bootloader(map[string][]fastboottest.Packet{
		"getvar:product": {fastboottest.Okay("bullhead")},
		"getvar:secret":  {fastboottest.Fail("not allowed")},
	}, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := s.Getvar(ctx, "product")
		require.NoError(t, err)
		assert.Equal(t, "bullhead", v)
	}
	assert.Equal(t, 1, countCommand(dev, "getvar:product"))

	v, err := s.Getvar(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestDisconnectIdempotent(t *testing.T) {
	dev := bootloader(nil, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})
	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.WaitForDevice(context.Background()))
	assert.Equal(t, ConnectedFastboot, s.State())
	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, dev.Closed)
}

func TestAdbServerFallback(t *testing.T) {
	dev := bootloader(map[string][]fastboottest.Packet{
		"oem unlock": {fastboottest.Okay("")},
	}, genericFail)
	rebooted := false
	bus := &fakeBus{
		open: func(kind devices.InterfaceKind) (devices.Handle, error) {
			switch {
			case kind == devices.Fastboot && rebooted:
				return dev, nil
			case kind == devices.Adb && !rebooted:
				return nil, devices.ErrBusy
			}
			return nil, nil
		},
	}
	tool := &fakeAdbTool{attached: true, onReboot: func() { rebooted = true }}
	a := &fakeAdb{}
	s := newTestSession(bus, a, tool)

	o, err := s.Oem(context.Background(), "unlock", true, true)
	require.NoError(t, err)
	assert.Equal(t, Okay, o.Kind)
	assert.Equal(t, 1, tool.reboots)
	assert.Equal(t, 0, a.calls, "no handle, no protocol reboot")
}

func TestFastbootOpenErrorStillFindsAdb(t *testing.T) {
	adbHandle := &nopHandle{}
	bus := &fakeBus{
		open: func(kind devices.InterfaceKind) (devices.Handle, error) {
			if kind == devices.Fastboot {
				return nil, errors.New("access denied (other device)")
			}
			return adbHandle, nil
		},
	}
	s := newTestSession(bus, nil, &fakeAdbTool{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, s.WaitForDevice(ctx))
	assert.Equal(t, ConnectedAdbDevice, s.State())
	assert.Equal(t, 1, bus.count(devices.Fastboot))
	assert.Equal(t, 1, bus.count(devices.Adb))
}

type nopHandle struct{ closed bool }

func (h *nopHandle) Serial() string { return "adbserial" }
func (h *nopHandle) Read(ctx context.Context, buf []byte) (int, error) {
	return 0, devices.ErrUsbTimeout
}
func (h *nopHandle) Write(ctx context.Context, buf []byte) (int, error) { return len(buf), nil }
func (h *nopHandle) Close() error {
	h.closed = true
	return nil
}

func TestAdbReboot(t *testing.T) {
	for _, tc := range []struct {
		name         string
		err          error
		wantFallback bool
	}{
		{"protocol", nil, false},
		{"adb server running", adb.ErrWriteFailed, true},
		{"unauthorized", adb.ErrUnauthorized, true},
		{"garbled", fmt.Errorf("%w: bad magic", adb.ErrProtocol), true},
		{"silent adbd", fmt.Errorf("reading handshake: %w", devices.ErrUsbTimeout), true},
		{"other", errors.New("pipe"), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := bootloader(nil, genericFail)
			adbHandle := &nopHandle{}
			a := &fakeAdb{err: tc.err}
			rebooted := false
			bus := &fakeBus{
				open: func(kind devices.InterfaceKind) (devices.Handle, error) {
					if kind == devices.Fastboot && rebooted {
						return dev, nil
					}
					if kind == devices.Adb && !rebooted {
						return adbHandle, nil
					}
					return nil, nil
				},
			}
			tool := &fakeAdbTool{onReboot: func() { rebooted = true }}
			a2 := &rebootingAdb{fakeAdb: a, done: func() {
				if tc.err == nil || !tc.wantFallback && a.calls > 1 {
					rebooted = true
				}
			}}
			s := newTestSession(bus, a2, tool)

			require.NoError(t, s.WaitForFastboot(context.Background()))
			assert.Equal(t, ConnectedFastboot, s.State())
			assert.True(t, adbHandle.closed)
			if tc.wantFallback {
				assert.Equal(t, 1, tool.reboots)
			} else {
				assert.Equal(t, 0, tool.reboots)
			}
		})
	}
}

// rebootingAdb calls done after every protocol reboot attempt.
type rebootingAdb struct {
	*fakeAdb
	done func()
}

func (r *rebootingAdb) RebootBootloader(ctx context.Context, h devices.Handle) error {
	err := r.fakeAdb.RebootBootloader(ctx, h)
	r.done()
	return err
}

func TestWaitForDeviceCancelled(t *testing.T) {
	s := newTestSession(fastbootOnly(), nil, &fakeAdbTool{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WaitForDevice(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, Disconnected, s.State())
}

func TestSerial(t *testing.T) {
	dev := bootloader(nil, genericFail)
	s := newTestSession(fastbootOnly(dev), nil, &fakeAdbTool{})
	serial, err := s.Serial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", serial)
}
