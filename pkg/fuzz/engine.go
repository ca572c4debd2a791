// Package fuzz drives candidate oem commands through a device session and
// classifies what the bootloader makes of them.
package fuzz

import (
	"context"
	"strings"

	"github.com/golang/glog"

	"github.com/alephresearch/abootool/pkg/session"
)

// Device sends oem commands. It is implemented by *session.Session.
type Device interface {
	Oem(ctx context.Context, cmd string, allowTimeout, allowUsbError bool) (session.Outcome, error)
}

// Progress is reported before every candidate is sent.
type Progress struct {
	// Index is the position of Candidate in the stream, counting resumed
	// candidates.
	Index int
	// Total is the stream length, or 0 when streaming.
	Total        int
	Positives    int
	Restricted   int
	TimedOut     int
	UsbErrors    int
	Candidate    string
	LastPositive string
}

// Sink receives progress and the final results of a run.
type Sink interface {
	Progress(p Progress)
	Finish(r *Results)
}

type Engine struct {
	Device Device
	Stream *Stream
	Sink   Sink
	// Streaming keeps the stream lazy instead of materializing it to learn
	// its length.
	Streaming bool
	// Keywords mark a FAIL answer as access-restricted.
	Keywords   []string
	ShowOutput bool
}

func normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "\n", ""))
}

func (e *Engine) restricted(o session.Outcome) bool {
	n := normalize(o.Message + o.Response)
	for _, k := range e.Keywords {
		if strings.Contains(n, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func (e *Engine) logResult(status Status, cmd, response string) {
	if e.ShowOutput {
		glog.Infof("(%s) fastboot oem %s", status, cmd)
		if status != StatusRestricted {
			glog.Infof("Result =\n%s", response)
		}
		return
	}
	glog.V(1).Infof("(%s) fastboot oem %s", status, cmd)
	glog.V(1).Infof("Result =\n%s", response)
}

// Run sends every candidate, skipping the first resume ones, and returns
// the reduced results. The sink always gets whatever was gathered, even if
// the run is cancelled or aborted by a fatal error, which is then returned.
func (e *Engine) Run(ctx context.Context, resume int) (*Results, error) {
	results := NewResults()

	total := 0
	if e.Streaming {
		glog.Infof("Using strings generator...")
	} else {
		glog.Infof("Loading strings...")
		total = e.Stream.Materialize()
		glog.Infof("Loaded %d strings", total)
	}
	if resume > 0 {
		glog.Infof("Resuming from %d", resume)
		e.Stream.Skip(resume)
	}

	err := e.loop(ctx, resume, total, results)
	reduced := results.Reduced()
	if err == nil {
		glog.Infof("Done.")
	}
	glog.Infof("positive=%d restricted=%d timed-out=%d usb-error=%d",
		len(reduced.Positives), len(reduced.Restricted), len(reduced.TimedOut), len(reduced.UsbErrors))
	if e.Sink != nil {
		e.Sink.Finish(reduced)
	}
	return reduced, err
}

func (e *Engine) loop(ctx context.Context, resume, total int, results *Results) error {
	var prev, lastPositive string
	var prevTimeout, prevUsbError bool

	for i := resume; ; i++ {
		if err := ctx.Err(); err != nil {
			glog.Infof("Interrupted at index=%d", i)
			return err
		}
		cmd, ok := e.Stream.Next()
		if !ok {
			return nil
		}

		glog.V(2).Infof("fastboot oem %s", cmd)
		if e.Sink != nil {
			e.Sink.Progress(Progress{
				Index:        i,
				Total:        total,
				Positives:    len(results.Positives),
				Restricted:   len(results.Restricted),
				TimedOut:     len(results.TimedOut),
				UsbErrors:    len(results.UsbErrors),
				Candidate:    cmd,
				LastPositive: lastPositive,
			})
		}

		o, err := e.Device.Oem(ctx, cmd, !prevTimeout, !prevUsbError)
		if err != nil && ctx.Err() != nil {
			glog.Infof("Interrupted at index=%d, string=%q", i, cmd)
			return ctx.Err()
		}
		if err != nil {
			glog.Errorf("Failed with index=%d, string=%q, prev=%q. Consider adding them to the filter.", i, cmd, prev)
			return err
		}
		prev = cmd
		prevTimeout = o.Kind == session.TimedOut
		prevUsbError = o.Kind == session.UsbError

		res := Result{Response: o.Response, Message: o.Message}
		switch o.Kind {
		case session.NotFound:
			continue
		case session.Okay:
			res.Status = StatusPositive
			results.record(results.Positives, cmd, res)
		case session.Failed:
			if e.restricted(o) {
				res.Status = StatusRestricted
				results.record(results.Restricted, cmd, res)
			} else {
				res.Status = StatusFailed
				results.record(results.Positives, cmd, res)
			}
		case session.TimedOut:
			res.Status = StatusTimedOut
			results.record(results.TimedOut, cmd, res)
		case session.UsbError:
			res.Status = StatusUsbError
			results.record(results.UsbErrors, cmd, res)
		}
		lastPositive = cmd
		e.logResult(res.Status, cmd, res.Response)
	}
}
