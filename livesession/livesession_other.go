//go:build !linux

package livesession

import (
	"context"

	"github.com/microsoft/one-collect-sub000/config"
	"github.com/microsoft/one-collect-sub000/export"
	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

// Handler receives a decoded machine-model event as the live session
// observes it, used by cmd/onecollect's debug command to print activity.
type Handler struct {
	OnComm      func(pid, tid int, comm string)
	OnExit      func(pid, tid int)
	OnCPUSample func(cpu int, tid int, ip uint64)
	OnLost      func(name string, numLost uint64)
}

// Session is the non-Linux stand-in: ring-buffer collection is a Linux
// kernel ABI, so there is nothing to open here.
type Session struct{}

func (s *Session) Machine() *machine.Machine { return nil }
func (s *Session) Export() *export.Machine   { return nil }

// Open always fails on non-Linux platforms: per-CPU ring-buffer collection
// requires perf_event_open(2), a Linux-only syscall.
func Open(cfg *config.Session, cpus []int, h *Handler) (*Session, error) {
	return nil, onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "livesession: ring-buffer collection requires Linux")
}

// Run never runs anything on non-Linux platforms.
func (s *Session) Run(ctx context.Context, shouldStop func() bool) []error {
	return []error{onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "livesession: ring-buffer collection requires Linux")}
}
