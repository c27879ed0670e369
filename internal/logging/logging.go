// Package logging provides the leveled, object-scoped logging helpers used
// across the daemon. The shape (Debugf/Infof/Errorf taking a loggable
// identity plus a format string) mirrors rclone's fs.Debugf/fs.Errorf
// convention; the backing implementation is logrus.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Identity is anything that can name itself in a log line, the
// equivalent of rclone's fs.DirEntry / fs.Fs receivers to fs.Debugf.
type Identity interface {
	fmt.Stringer
}

// stringIdentity lets callers pass a plain string where an Identity is
// expected without allocating a wrapper type at each call site.
type stringIdentity string

func (s stringIdentity) String() string { return string(s) }

// Of adapts a plain string to Identity.
func Of(name string) Identity { return stringIdentity(name) }

var std = logrus.StandardLogger()

func init() {
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the global log level, e.g. from a config.Config.
func SetLevel(level logrus.Level) { std.SetLevel(level) }

func entry(obj Identity) *logrus.Entry {
	if obj == nil {
		return std.WithField("component", "-")
	}
	return std.WithField("component", obj.String())
}

// Debugf logs a debug-level line scoped to obj.
func Debugf(obj Identity, format string, args ...interface{}) {
	entry(obj).Debugf(format, args...)
}

// Infof logs an info-level line scoped to obj.
func Infof(obj Identity, format string, args ...interface{}) {
	entry(obj).Infof(format, args...)
}

// Logf is an alias for Infof, matching rclone's fs.Logf naming for the
// "always shown, not an error" level.
func Logf(obj Identity, format string, args ...interface{}) {
	entry(obj).Infof(format, args...)
}

// Errorf logs an error-level line scoped to obj.
func Errorf(obj Identity, format string, args ...interface{}) {
	entry(obj).Errorf(format, args...)
}
