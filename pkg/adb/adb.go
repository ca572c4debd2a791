// Package adb implements just enough of the ADB USB protocol to reboot a
// device into its bootloader, and wraps the adb binary as a fallback.
package adb

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/alephresearch/abootool/pkg/devices"
)

type Command uint32

const (
	CommandCnxn Command = 0x4e584e43
	CommandAuth Command = 0x48545541
	CommandOpen Command = 0x4e45504f
	CommandOkay Command = 0x59414b4f
	CommandClse Command = 0x45534c43
	CommandWrte Command = 0x45545257
)

func (c Command) String() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(c))
	return string(b[:])
}

const (
	Version    = 0x01000000
	MaxPayload = 4096

	AuthToken        = 1
	AuthSignature    = 2
	AuthRSAPublicKey = 3
)

var (
	// ErrWriteFailed is returned when the initial handshake cannot be
	// written, which happens when an adb server already owns the device.
	ErrWriteFailed = errors.New("adb: write failed")
	// ErrUnauthorized is returned when the device rejects our key.
	ErrUnauthorized = errors.New("adb: device unauthorized")
	// ErrProtocol is returned on malformed or unexpected messages.
	ErrProtocol = errors.New("adb: protocol error")
)

// Message is an ADB packet header followed by its payload.
type Message struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Data    []byte
}

type header struct {
	Command    uint32
	Arg0       uint32
	Arg1       uint32
	DataLength uint32
	DataCheck  uint32
	Magic      uint32
}

func checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

// Header returns the 24 byte wire header of m.
func (m *Message) Header() []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, header{
		Command:    uint32(m.Command),
		Arg0:       m.Arg0,
		Arg1:       m.Arg1,
		DataLength: uint32(len(m.Data)),
		DataCheck:  checksum(m.Data),
		Magic:      uint32(m.Command) ^ 0xffffffff,
	})
	return buf.Bytes()
}

func parseHeader(b []byte) (*header, error) {
	if len(b) != 24 {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrProtocol, len(b))
	}
	var h header
	binary.Read(bytes.NewReader(b), binary.LittleEndian, &h)
	if h.Magic != h.Command^0xffffffff {
		return nil, fmt.Errorf("%w: bad magic %08x for %s", ErrProtocol, h.Magic, Command(h.Command))
	}
	if h.DataLength > MaxPayload {
		return nil, fmt.Errorf("%w: payload too large (%d)", ErrProtocol, h.DataLength)
	}
	return &h, nil
}

// Client performs protocol-level operations over an opened adb interface.
type Client struct {
	// Key signs authentication tokens. If nil, devices requiring
	// authentication fail with ErrUnauthorized.
	Key *rsa.PrivateKey
	// Timeout bounds every single bulk transfer. Zero means no timeout.
	Timeout time.Duration
}

func (c *Client) transferContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func (c *Client) transfer(ctx context.Context, f func(context.Context, []byte) (int, error), buf []byte) (int, error) {
	tctx, cancel := c.transferContext(ctx)
	defer cancel()
	return f(tctx, buf)
}

// LoadKey reads an adb private key (PEM, PKCS#8 or PKCS#1).
func LoadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not RSA", path)
	}
	return rk, nil
}

func (c *Client) write(ctx context.Context, h devices.Handle, m *Message) error {
	if _, err := c.transfer(ctx, h.Write, m.Header()); err != nil {
		return err
	}
	if len(m.Data) == 0 {
		return nil
	}
	_, err := c.transfer(ctx, h.Write, m.Data)
	return err
}

func (c *Client) read(ctx context.Context, h devices.Handle) (*Message, error) {
	buf := make([]byte, 24)
	n, err := c.transfer(ctx, h.Read, buf)
	if err != nil {
		return nil, err
	}
	hdr, err := parseHeader(buf[:n])
	if err != nil {
		return nil, err
	}
	m := &Message{
		Command: Command(hdr.Command),
		Arg0:    hdr.Arg0,
		Arg1:    hdr.Arg1,
	}
	if hdr.DataLength > 0 {
		data := make([]byte, hdr.DataLength)
		n, err := c.transfer(ctx, h.Read, data)
		if err != nil {
			return nil, err
		}
		m.Data = data[:n]
		if checksum(m.Data) != hdr.DataCheck {
			return nil, fmt.Errorf("%w: payload checksum mismatch", ErrProtocol)
		}
	}
	return m, nil
}

// Connect performs the CNXN handshake, signing the device's auth token if
// asked to.
func (c *Client) Connect(ctx context.Context, h devices.Handle) error {
	cnxn := &Message{Command: CommandCnxn, Arg0: Version, Arg1: MaxPayload, Data: []byte("host::\x00")}
	if err := c.write(ctx, h, cnxn); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	signed := false
	for {
		m, err := c.read(ctx, h)
		if err != nil {
			return fmt.Errorf("reading handshake: %w", err)
		}
		switch m.Command {
		case CommandCnxn:
			glog.V(1).Infof("adb: connected, banner %q", string(m.Data))
			return nil
		case CommandAuth:
			if m.Arg0 != AuthToken {
				return fmt.Errorf("%w: unexpected auth type %d", ErrProtocol, m.Arg0)
			}
			if c.Key == nil || signed {
				return ErrUnauthorized
			}
			sig, err := rsa.SignPKCS1v15(rand.Reader, c.Key, crypto.SHA1, m.Data)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			if err := c.write(ctx, h, &Message{Command: CommandAuth, Arg0: AuthSignature, Data: sig}); err != nil {
				return fmt.Errorf("sending signature: %w", err)
			}
			signed = true
		default:
			return fmt.Errorf("%w: unexpected %s during handshake", ErrProtocol, m.Command)
		}
	}
}

// RebootBootloader connects and opens the reboot:bootloader service. The
// device drops off the bus right after, so read errors past the OPEN are
// not reported.
func (c *Client) RebootBootloader(ctx context.Context, h devices.Handle) error {
	if err := c.Connect(ctx, h); err != nil {
		return err
	}
	open := &Message{Command: CommandOpen, Arg0: 1, Data: []byte("reboot:bootloader\x00")}
	if err := c.write(ctx, h, open); err != nil {
		return fmt.Errorf("sending OPEN: %w", err)
	}
	m, err := c.read(ctx, h)
	if err != nil {
		glog.V(1).Infof("adb: no answer to reboot, assuming it went through: %v", err)
		return nil
	}
	if m.Command == CommandClse {
		return fmt.Errorf("%w: reboot service closed", ErrProtocol)
	}
	return nil
}
