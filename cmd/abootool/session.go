package main

import (
	"github.com/golang/glog"

	"github.com/alephresearch/abootool/pkg/adb"
	"github.com/alephresearch/abootool/pkg/session"
)

// newAdb returns an adb protocol client bound to the user's adb key.
func newAdb() *adb.Client {
	key, err := adb.LoadKey(cfg.AdbKeyPath)
	if err != nil {
		glog.V(1).Infof("adb: no usable key (%v), protocol reboot will only work on devices not requiring auth", err)
	}
	return &adb.Client{Key: key, Timeout: cfg.Timeout()}
}

// newSession opens the USB stack and returns a session on it, along with a
// function releasing both.
func newSession() (*session.Session, func(), error) {
	bus, err := newBus()
	if err != nil {
		return nil, nil, err
	}
	s := session.New(cfg, bus, newAdb(), &adb.Binary{Path: cfg.AdbPath})
	done := func() {
		s.Disconnect()
		if err := bus.Close(); err != nil {
			glog.Warningf("%v", err)
		}
	}
	return s, done, nil
}
