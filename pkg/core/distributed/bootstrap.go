package distributed

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LaunchEnv holds the coordination variables injected by the external process
// launcher, one set per worker process.
type LaunchEnv struct {
	// MasterAddr and MasterPort locate rank 0's rendezvous listener.
	MasterAddr string `env:"DISTRAIN_MASTER_ADDR" envDefault:"127.0.0.1"`
	MasterPort int    `env:"DISTRAIN_MASTER_PORT" envDefault:"29500"`

	// Rank and WorldSize identify this worker within the group. Both are
	// required, there are no usable defaults.
	Rank      int `env:"DISTRAIN_RANK" envDefault:"-1"`
	WorldSize int `env:"DISTRAIN_WORLD_SIZE" envDefault:"-1"`

	// LocalRank is the worker's index within its machine. Defaults to Rank,
	// which is correct for single-machine launches.
	LocalRank int `env:"DISTRAIN_LOCAL_RANK" envDefault:"-1"`

	// NumDevices is the number of accelerator devices visible on this machine,
	// as reported by the launcher.
	NumDevices int `env:"DISTRAIN_NUM_DEVICES" envDefault:"0"`
}

// ParseLaunchEnv reads and validates the launcher environment variables.
func ParseLaunchEnv() (LaunchEnv, error) {
	launch, err := env.ParseAs[LaunchEnv]()
	if err != nil {
		return launch, errors.Wrap(err, "malformed launcher environment")
	}
	if launch.WorldSize <= 0 {
		return launch, errors.Errorf(
			"DISTRAIN_WORLD_SIZE must be set to a positive value, got %d", launch.WorldSize)
	}
	if launch.Rank < 0 || launch.Rank >= launch.WorldSize {
		return launch, errors.Errorf(
			"DISTRAIN_RANK must be in [0, %d), got %d", launch.WorldSize, launch.Rank)
	}
	if launch.LocalRank < 0 {
		launch.LocalRank = launch.Rank
	}
	return launch, nil
}

// MasterEndpoint returns the "host:port" rendezvous address.
func (l LaunchEnv) MasterEndpoint() string {
	return fmt.Sprintf("%s:%d", l.MasterAddr, l.MasterPort)
}

// Identity computes this worker's identity, binding it to device
// `local_rank + fromRankOffset`. The offset lets multiple machines own
// disjoint device-index ranges.
//
// It fails when no accelerator device is visible or the computed device index
// is out of range. These are startup preconditions: callers must abort, not
// retry.
func (l LaunchEnv) Identity(fromRankOffset int) (WorkerIdentity, error) {
	w := WorkerIdentity{
		Rank:      l.Rank,
		WorldSize: l.WorldSize,
		Device:    l.LocalRank + fromRankOffset,
	}
	if l.NumDevices <= 0 {
		return w, errors.New("no accelerator device available (DISTRAIN_NUM_DEVICES is 0)")
	}
	if w.Device < 0 || w.Device >= l.NumDevices {
		return w, errors.Errorf("device index %d (local rank %d + offset %d) out of range, "+
			"only %d device(s) available", w.Device, l.LocalRank, fromRankOffset, l.NumDevices)
	}
	return w, nil
}

// Bootstrap establishes the process group for this worker: it parses the
// launcher environment, binds the worker to its accelerator device and joins
// the TCP rendezvous with all other workers.
//
// It must be called exactly once, before any other component runs. Any error
// is a fatal startup precondition failure.
func Bootstrap(ctx context.Context, fromRankOffset int) (*TCPGroup, error) {
	launch, err := ParseLaunchEnv()
	if err != nil {
		return nil, err
	}
	identity, err := launch.Identity(fromRankOffset)
	if err != nil {
		return nil, err
	}
	klog.Infof("bootstrap: rank=%d world_size=%d device=%d master=%s",
		identity.Rank, identity.WorldSize, identity.Device, launch.MasterEndpoint())
	group, err := NewTCPGroup(ctx, identity, launch.MasterEndpoint())
	if err != nil {
		return nil, errors.WithMessagef(err, "joining process group at %s as rank %d",
			launch.MasterEndpoint(), identity.Rank)
	}
	return group, nil
}
