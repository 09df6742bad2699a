// Package testutil holds generators shared by the property tests of the core,
// the runtime and the replay tooling.
package testutil

import (
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"

	"github.com/comalice/statecore"
)

// Epoch is the base instant every generated command is offset from.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Names is the small register name pool generated commands draw from, small
// enough that set/adjust/clear collide often.
var Names = []string{"a", "b", "pump", "valve.1", "zone-2"}

// CommandFromSeed deterministically maps a seed onto a command. Roughly one
// in ten commands carries a raw, unvalidated payload so rejection paths are
// exercised too.
func CommandFromSeed(seed uint64) statecore.Command {
	op := seed % 11
	seed /= 11
	name := Names[seed%uint64(len(Names))]
	seed /= uint64(len(Names))
	at := Epoch.Add(time.Duration(seed%4000) * time.Millisecond)
	seed /= 4000
	small := int64(seed%21) - 10

	switch op {
	case 0:
		period := time.Duration(10+seed%500) * time.Millisecond
		c, err := statecore.NewArm(at, period)
		if err != nil {
			return statecore.Arm{}
		}
		return c
	case 1:
		return statecore.Start{}
	case 2:
		return statecore.NewHeartbeat(at)
	case 3:
		return statecore.NewTick(at)
	case 4:
		c, _ := statecore.NewHalt([]string{"", "maintenance", "operator"}[seed%3])
		return c
	case 5:
		return statecore.Reset{}
	case 6:
		c, _ := statecore.NewSetRegister(name, small*1000)
		return c
	case 7:
		c, _ := statecore.NewAdjustRegister(name, small)
		return c
	case 8:
		c, _ := statecore.NewClearRegister(name)
		return c
	case 9:
		return statecore.SetRegister{}
	default:
		return nil
	}
}

// Commands generates command sequences of up to maxLen entries.
func Commands(maxLen int) gopter.Gen {
	return gen.SliceOf(gen.UInt64()).Map(func(seeds []uint64) []statecore.Command {
		if len(seeds) > maxLen {
			seeds = seeds[:maxLen]
		}
		cmds := make([]statecore.Command, len(seeds))
		for i, s := range seeds {
			cmds[i] = CommandFromSeed(s)
		}
		return cmds
	})
}

// Apply feeds every command to owner and returns the event batches.
func Apply(owner *statecore.Owner, cmds []statecore.Command) [][]statecore.Event {
	out := make([][]statecore.Event, len(cmds))
	for i, c := range cmds {
		out[i] = owner.Apply(c)
	}
	return out
}
