package benchmarks

import (
	"fmt"
	"runtime"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/wire"
)

func BenchmarkMemoryFootprint(b *testing.B) {
	const numOwners = 1000
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	owners := make([]*statecore.Owner, numOwners)
	for i := range owners {
		owners[i] = statecore.NewOwner()
	}
	runtime.GC()
	runtime.ReadMemStats(&after)
	b.ReportMetric(float64(after.TotalAlloc-before.TotalAlloc)/numOwners, "B/owner")
	runtime.KeepAlive(owners)
}

func BenchmarkSnapshot(b *testing.B) {
	for _, n := range []int{0, 16, statecore.MaxRegisters} {
		b.Run(fmt.Sprintf("registers=%d", n), func(b *testing.B) {
			o := RunningOwner()
			for _, c := range RegisterWorkload(n, n) {
				o.Apply(c)
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = o.Snapshot()
			}
		})
	}
}

func BenchmarkDigest(b *testing.B) {
	rec := FilledSnapshot(statecore.MaxRegisters).Record()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wire.Digest(rec); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSnapshotYAML(b *testing.B) {
	data := GenSnapshotYAML(statecore.MaxRegisters)
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var rec statecore.SnapshotRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			b.Fatal(err)
		}
	}
}
