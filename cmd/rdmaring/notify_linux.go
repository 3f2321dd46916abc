package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// systemd notification states, see sd_notify(3).
const (
	sdReady    = "READY=1"
	sdStopping = "STOPPING=1"
)

func notifyReady(l *logrus.Logger)    { sdNotify(l, sdReady) }
func notifyStopping(l *logrus.Logger) { sdNotify(l, sdStopping) }

// sdNotify sends state to the socket named by NOTIFY_SOCKET. Without one the
// process is not supervised by systemd and nothing is sent.
func sdNotify(l *logrus.Logger, state string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.WithField("state", state).Debug("NOTIFY_SOCKET not set, skipping systemd notification")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}
	if _, err := conn.Write([]byte(state)); err != nil {
		l.WithError(err).WithField("state", state).Error("Failed to notify systemd")
		return
	}
	l.WithField("state", state).Debug("Notified systemd")
}
