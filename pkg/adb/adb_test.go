package adb

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephresearch/abootool/pkg/devices"
)

// fakeDevice replies to every full message written with the result of
// respond.
type fakeDevice struct {
	respond  func(m *Message) []*Message
	writeErr error

	partial *Message
	pending [][]byte
	written []*Message
}

func (f *fakeDevice) Serial() string { return "fake" }
func (f *fakeDevice) Close() error   { return nil }

func (f *fakeDevice) Write(ctx context.Context, buf []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.partial == nil {
		h, err := parseHeader(buf)
		if err != nil {
			return 0, err
		}
		m := &Message{Command: Command(h.Command), Arg0: h.Arg0, Arg1: h.Arg1}
		if h.DataLength > 0 {
			f.partial = m
			return len(buf), nil
		}
		f.deliver(m)
		return len(buf), nil
	}
	m := f.partial
	f.partial = nil
	m.Data = append([]byte(nil), buf...)
	f.deliver(m)
	return len(buf), nil
}

func (f *fakeDevice) deliver(m *Message) {
	f.written = append(f.written, m)
	for _, r := range f.respond(m) {
		f.pending = append(f.pending, r.Header())
		if len(r.Data) > 0 {
			f.pending = append(f.pending, r.Data)
		}
	}
}

func (f *fakeDevice) Read(ctx context.Context, buf []byte) (int, error) {
	if len(f.pending) == 0 {
		return 0, errors.New("no data")
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	return copy(buf, p), nil
}

func TestHeaderRoundTrip(t *testing.T) {
	m := &Message{Command: CommandOpen, Arg0: 1, Data: []byte("reboot:bootloader\x00")}
	h, err := parseHeader(m.Header())
	require.NoError(t, err)
	assert.Equal(t, uint32(CommandOpen), h.Command)
	assert.Equal(t, uint32(len(m.Data)), h.DataLength)
	assert.Equal(t, checksum(m.Data), h.DataCheck)
	assert.Equal(t, "OPEN", CommandOpen.String())
}

func TestBadMagic(t *testing.T) {
	b := (&Message{Command: CommandCnxn}).Header()
	b[20] ^= 0xff
	_, err := parseHeader(b)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestRebootNoAuth(t *testing.T) {
	dev := &fakeDevice{
		respond: func(m *Message) []*Message {
			switch m.Command {
			case CommandCnxn:
				return []*Message{{Command: CommandCnxn, Arg0: Version, Arg1: MaxPayload, Data: []byte("device::")}}
			case CommandOpen:
				return []*Message{{Command: CommandOkay, Arg0: 1, Arg1: 1}}
			}
			return nil
		},
	}
	c := &Client{}
	require.NoError(t, c.RebootBootloader(context.Background(), dev))
	require.Len(t, dev.written, 2)
	assert.Equal(t, "reboot:bootloader\x00", string(dev.written[1].Data))
}

func TestRebootWithAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := make([]byte, 20)
	rand.Read(token)

	dev := &fakeDevice{
		respond: func(m *Message) []*Message {
			switch m.Command {
			case CommandCnxn:
				return []*Message{{Command: CommandAuth, Arg0: AuthToken, Data: token}}
			case CommandAuth:
				if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA1, token, m.Data); err != nil {
					return []*Message{{Command: CommandAuth, Arg0: AuthToken, Data: token}}
				}
				return []*Message{{Command: CommandCnxn, Arg0: Version, Arg1: MaxPayload, Data: []byte("device::")}}
			}
			return nil
		},
	}
	c := &Client{Key: key}
	require.NoError(t, c.RebootBootloader(context.Background(), dev))
	assert.Equal(t, CommandOpen, dev.written[len(dev.written)-1].Command)
}

func TestUnauthorized(t *testing.T) {
	dev := &fakeDevice{
		respond: func(m *Message) []*Message {
			return []*Message{{Command: CommandAuth, Arg0: AuthToken, Data: make([]byte, 20)}}
		},
	}
	c := &Client{}
	err := c.RebootBootloader(context.Background(), dev)
	assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
}

func TestWriteFailed(t *testing.T) {
	dev := &fakeDevice{writeErr: errors.New("LIBUSB_ERROR_PIPE")}
	c := &Client{}
	err := c.Connect(context.Background(), dev)
	assert.True(t, errors.Is(err, ErrWriteFailed), "got %v", err)
}

// silentDevice accepts writes and never answers; reads block until their
// context is done.
type silentDevice struct{}

func (silentDevice) Serial() string { return "silent" }
func (silentDevice) Close() error   { return nil }

func (silentDevice) Write(ctx context.Context, buf []byte) (int, error) {
	return len(buf), nil
}

func (silentDevice) Read(ctx context.Context, buf []byte) (int, error) {
	<-ctx.Done()
	return 0, devices.ErrUsbTimeout
}

func TestRebootSilentDevice(t *testing.T) {
	c := &Client{Timeout: 10 * time.Millisecond}
	errC := make(chan error, 1)
	go func() {
		errC <- c.RebootBootloader(context.Background(), silentDevice{})
	}()

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, devices.ErrUsbTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("reboot still blocked on a silent device")
	}
}
