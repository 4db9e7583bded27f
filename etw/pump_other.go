//go:build !windows

package etw

import "github.com/microsoft/one-collect-sub000/onecollecterrors"

// osPump is the non-Windows stand-in: ETW sessions do not exist outside
// Windows, so Enable fails cleanly rather than silently producing nothing.
type osPump struct{}

func newPump() pump { return osPump{} }

func (osPump) start(*Handle, []string) error {
	return onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "etw: ETW sessions require Windows")
}

func (osPump) stop() error { return nil }
