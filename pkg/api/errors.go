package api

import (
	"context"
	"errors"
)

var (
	ErrConfigUnreadable = errors.New("config unreadable")
	ErrConnection       = errors.New("connection error")
	ErrAuth             = errors.New("authentication rejected")
	ErrRemoteExec       = errors.New("remote execution failed")
	ErrProxyLaunch      = errors.New("proxy launch failed")
	// ErrProcessNotFound is the "host is down" signal, not a fault.
	ErrProcessNotFound = errors.New("process not found")
	ErrNoWorker        = errors.New("no worker could be launched")
)

// ErrorKind names an error class in events.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindConfigUnreadable ErrorKind = "config_unreadable"
	KindConnection       ErrorKind = "connection"
	KindAuth             ErrorKind = "auth"
	KindRemoteExec       ErrorKind = "remote_exec"
	KindProxyLaunch      ErrorKind = "proxy_launch"
	KindProcessNotFound  ErrorKind = "process_not_found"
	KindNoWorker         ErrorKind = "no_worker"
	KindOther            ErrorKind = "other"
)

// KindOf classifies err. Context deadlines count as connection errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfigUnreadable):
		return KindConfigUnreadable
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrConnection), errors.Is(err, context.DeadlineExceeded):
		return KindConnection
	case errors.Is(err, ErrRemoteExec):
		return KindRemoteExec
	case errors.Is(err, ErrProxyLaunch):
		return KindProxyLaunch
	case errors.Is(err, ErrProcessNotFound):
		return KindProcessNotFound
	case errors.Is(err, ErrNoWorker):
		return KindNoWorker
	default:
		return KindOther
	}
}
