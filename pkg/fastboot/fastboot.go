// Package fastboot implements the host side of the Android fastboot command
// protocol on top of a bulk endpoint pair.
package fastboot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/alephresearch/abootool/pkg/devices"
)

// Verb is a fastboot command verb.
type Verb string

const (
	VerbOem    Verb = "oem"
	VerbGetvar Verb = "getvar"
)

// Format renders the wire form of a command. oem takes free text separated
// by a space, everything else uses the colon form.
func (v Verb) Format(arg string) string {
	switch {
	case arg == "":
		return string(v)
	case v == VerbOem:
		return fmt.Sprintf("%s %s", v, arg)
	}
	return fmt.Sprintf("%s:%s", v, arg)
}

const (
	// MaxCommandLength is the longest command a bootloader has to accept.
	MaxCommandLength = 64
	// MaxResponseLength is the longest response packet, header included.
	MaxResponseLength = 256
)

type Header string

const (
	HeaderInfo Header = "INFO"
	HeaderOkay Header = "OKAY"
	HeaderFail Header = "FAIL"
	HeaderData Header = "DATA"
)

// Message is a single response packet, passed to InfoFunc for every INFO,
// OKAY and FAIL the device sends.
type Message struct {
	Header  Header
	Payload string
}

type InfoFunc func(Message)

// RemoteFailure is returned when the bootloader answered FAIL.
type RemoteFailure struct {
	Message string
}

func (r *RemoteFailure) Error() string {
	return fmt.Sprintf("FAIL: %s", r.Message)
}

var (
	// ErrStateMismatch is returned when the device answered with a final
	// header other than the one expected for the command.
	ErrStateMismatch = errors.New("fastboot state mismatch")
	// ErrInvalidResponse is returned for packets with an unknown header.
	ErrInvalidResponse = errors.New("invalid fastboot response")
	// ErrCommandTooLong is returned, before anything is sent, for commands
	// longer than MaxCommandLength.
	ErrCommandTooLong = errors.New("fastboot command too long")
)

// Client speaks fastboot to a single device.
type Client struct {
	Handle devices.Handle
	// Timeout bounds every single bulk transfer. Zero means no timeout.
	Timeout time.Duration
}

func (c *Client) transferContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func (c *Client) send(ctx context.Context, cmd string) error {
	if len(cmd) > MaxCommandLength {
		return fmt.Errorf("%w (%d > %d bytes)", ErrCommandTooLong, len(cmd), MaxCommandLength)
	}
	tctx, cancel := c.transferContext(ctx)
	defer cancel()
	n, err := c.Handle.Write(tctx, []byte(cmd))
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if want, got := len(cmd), n; want != got {
		return fmt.Errorf("should've written %d bytes, wrote %d", want, got)
	}
	return nil
}

func (c *Client) receive(ctx context.Context) (*Message, error) {
	buf := make([]byte, MaxResponseLength)
	tctx, cancel := c.transferContext(ctx)
	defer cancel()
	n, err := c.Handle.Read(tctx, buf)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if n < 4 {
		return nil, fmt.Errorf("%w: short packet (%d bytes)", ErrInvalidResponse, n)
	}
	return &Message{
		Header:  Header(buf[:4]),
		Payload: string(buf[4:n]),
	}, nil
}

// Command sends a command and accepts responses until one with the expected
// final header arrives. The payload of that final packet is returned.
func (c *Client) Command(ctx context.Context, verb Verb, arg string, info InfoFunc) (string, error) {
	cmd := verb.Format(arg)
	glog.V(2).Infof("fastboot: -> %q", cmd)
	if err := c.send(ctx, cmd); err != nil {
		return "", err
	}
	return c.accept(ctx, HeaderOkay, info)
}

func (c *Client) accept(ctx context.Context, expected Header, info InfoFunc) (string, error) {
	if info == nil {
		info = func(Message) {}
	}
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return "", err
		}
		glog.V(2).Infof("fastboot: <- %s %q", msg.Header, msg.Payload)

		switch msg.Header {
		case HeaderInfo:
			info(*msg)
		case HeaderOkay, HeaderData:
			if msg.Header != expected {
				return "", fmt.Errorf("%w: expected %s, got %s", ErrStateMismatch, expected, msg.Header)
			}
			if msg.Header == HeaderOkay {
				info(*msg)
			}
			return msg.Payload, nil
		case HeaderFail:
			info(*msg)
			return "", &RemoteFailure{Message: msg.Payload}
		default:
			return "", fmt.Errorf("%w: header %q, payload %q", ErrInvalidResponse, msg.Header, msg.Payload)
		}
	}
}

// Oem sends 'oem <cmd>'.
func (c *Client) Oem(ctx context.Context, cmd string, info InfoFunc) (string, error) {
	return c.Command(ctx, VerbOem, cmd, info)
}

// Getvar reads a bootloader variable.
func (c *Client) Getvar(ctx context.Context, name string, info InfoFunc) (string, error) {
	return c.Command(ctx, VerbGetvar, name, info)
}

// Collector accumulates the payloads of every message it sees.
type Collector struct {
	lines []string
}

func (c *Collector) Info(m Message) {
	c.lines = append(c.lines, m.Payload)
}

// String returns all collected payloads joined by newlines.
func (c *Collector) String() string {
	return strings.Join(c.lines, "\n")
}
