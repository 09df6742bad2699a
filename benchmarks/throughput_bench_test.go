package benchmarks

import (
	"fmt"
	"testing"
	"time"

	"github.com/comalice/statecore"
)

func BenchmarkApplyRegisters(b *testing.B) {
	for _, n := range []int{1, 16, statecore.MaxRegisters} {
		b.Run(fmt.Sprintf("registers=%d", n), func(b *testing.B) {
			cmds := RegisterWorkload(n, 3*n)
			o := RunningOwner()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				o.Apply(cmds[i%len(cmds)])
			}
		})
	}
}

func BenchmarkApplyHeartbeats(b *testing.B) {
	cmds := HeartbeatWorkload(b.N, time.Millisecond)
	o := RunningOwner()
	b.ReportAllocs()
	b.ResetTimer()
	for _, c := range cmds {
		o.Apply(c)
	}
	b.StopTimer()
	if o.Snapshot().Mode() != statecore.ModeRunning {
		b.Fatal("watchdog expired during heartbeat workload")
	}
}

func BenchmarkApplyRejected(b *testing.B) {
	o := statecore.NewOwner() // idle: start is always rejected
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o.Apply(statecore.Start{})
	}
}
