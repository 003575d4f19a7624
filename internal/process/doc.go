// Package process manages long-lived ebuild daemons and speaks their line protocol.
//
// The package offers two levels of abstraction:
//
// Processor owns one spawned daemon and its two pipes:
//   - Handshake, liveness check and clean shutdown
//   - write/read/expect primitives with pipelined async expects
//   - GenericHandler, the receive loop servicing daemon requests
//   - Phase runs, environment transfer and eclass preloading
//   - Metadata extraction (GetKeys, GetEbuildEnvironment)
//
// Pool hands out processors by capability (userpriv, sandbox):
//   - Request reuses an idle daemon or spawns a new one
//   - Release returns a daemon for reuse or discards it if mid-operation
//   - ShutdownAll tears every daemon down on exit
//   - HandleInterrupts kills every process group on SIGINT
//
// Example usage:
//
//	pool := process.NewPool(&process.PoolOptions{Options: opts})
//	defer pool.ShutdownAll()
//	ebp, err := pool.Request(ctx, false, process.SandboxAuto)
//	if err != nil {
//	    return err
//	}
//	defer pool.Release(ebp)
//	ok, err := ebp.RunPhase(ctx, process.PhaseRequest{Phase: "setup", Env: env})
package process
