package contract

import (
	"time"

	"github.com/invariant-systems/chronicle/pkg/audit"
)

// UsageFromTrail derives observed resource usage from an instruction
// trail. Network bytes count recorded payload sizes; memory counts
// allocation events. The kernel and the replay engine both derive
// usage through here so contract checks agree across live and replayed
// runs.
func UsageFromTrail(t *audit.Trail, elapsed time.Duration) Usage {
	var usage Usage
	usage.RuntimeMS = elapsed.Milliseconds()
	for _, ins := range t.Instructions() {
		switch ins.Kind {
		case audit.KindFileOp, audit.KindSysCall:
			usage.IOOps++
		case audit.KindNetworkOp:
			usage.IOOps++
			usage.NetworkBytes += int64(len(ins.Data))
		case audit.KindMemAlloc:
			usage.MemoryBytes += int64(ins.Size)
		}
	}
	return usage
}
