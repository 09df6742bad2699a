// Package benchmarks provides shared workloads for benchmark tests.
package benchmarks

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comalice/statecore"
)

var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// RunningOwner returns an owner armed with a long watchdog and running.
func RunningOwner() *statecore.Owner {
	o := statecore.NewOwner()
	arm, err := statecore.NewArm(Epoch, time.Hour)
	if err != nil {
		panic(err)
	}
	o.Apply(arm)
	o.Apply(statecore.Start{})
	return o
}

// RegisterWorkload cycles writes across n registers: set, adjust, clear.
func RegisterWorkload(n, length int) []statecore.Command {
	if n < 1 {
		n = 1
	}
	cmds := make([]statecore.Command, 0, length)
	for i := 0; len(cmds) < length; i++ {
		name := fmt.Sprintf("r%d", i%n)
		var (
			c   statecore.Command
			err error
		)
		switch i % 3 {
		case 0:
			c, err = statecore.NewSetRegister(name, int64(i))
		case 1:
			c, err = statecore.NewAdjustRegister(name, 1)
		default:
			c, err = statecore.NewClearRegister(name)
		}
		if err != nil {
			panic(err)
		}
		cmds = append(cmds, c)
	}
	return cmds
}

// HeartbeatWorkload feeds the watchdog every step.
func HeartbeatWorkload(length int, step time.Duration) []statecore.Command {
	cmds := make([]statecore.Command, length)
	for i := range cmds {
		cmds[i] = statecore.NewHeartbeat(Epoch.Add(time.Duration(i+1) * step))
	}
	return cmds
}

// FilledSnapshot returns a snapshot holding n registers.
func FilledSnapshot(n int) statecore.Snapshot {
	o := RunningOwner()
	for i := 0; i < n; i++ {
		c, err := statecore.NewSetRegister(fmt.Sprintf("r%d", i), int64(i))
		if err != nil {
			panic(err)
		}
		o.Apply(c)
	}
	return o.Snapshot()
}

// GenSnapshotYAML encodes a snapshot with n registers.
func GenSnapshotYAML(n int) []byte {
	data, err := yaml.Marshal(FilledSnapshot(n).Record())
	if err != nil {
		panic(err)
	}
	return data
}
