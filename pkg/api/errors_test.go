package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := map[ErrorKind]error{
		KindNone:             nil,
		KindConfigUnreadable: fmt.Errorf("load hosts.conf: %w", ErrConfigUnreadable),
		KindAuth:             fmt.Errorf("dial h1: %w", ErrAuth),
		KindConnection:       fmt.Errorf("run: %w", context.DeadlineExceeded),
		KindRemoteExec:       fmt.Errorf("exit 1: %w", ErrRemoteExec),
		KindProxyLaunch:      ErrProxyLaunch,
		KindOther:            errors.New("boom"),
	}
	for want, err := range cases {
		if got := KindOf(err); got != want {
			t.Errorf("KindOf(%v) = %q, want %q", err, got, want)
		}
	}
}
