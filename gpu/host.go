package gpu

import (
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/sirupsen/logrus"

	"github.com/gretacore/gretacore/alloc"
)

// Host is the explicit runtime context the Design Notes call for in
// place of a GretaContext::instance() singleton: it is constructed once
// at process start and threaded through every call that needs a host
// allocator or device arena, never stashed in a package-level variable.
type Host struct {
	Allocator *alloc.HostAllocator
	Log       *logrus.Entry
}

// NewHost builds a Host, sets GOMEMLIMIT from the container/cgroup
// memory limit (so the host allocator's large-direct-allocation path
// doesn't starve the Go heap used by the rest of the process), and
// constructs the binned pool allocator with the spec §4.1 defaults.
func NewHost(log *logrus.Entry) (*Host, error) {
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(
			memlimit.FromCgroup,
			memlimit.FromSystem,
		)),
	); err != nil {
		if log != nil {
			log.WithError(err).Debug("gomemlimit: no cgroup/system limit available, leaving GOMEMLIMIT unset")
		}
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Host{
		Allocator: alloc.New(6, 20, 20),
		Log:       log.WithField("component", "runtime"),
	}, nil
}

// Close releases every cached host allocation.
func (h *Host) Close() {
	h.Allocator.Release()
}
