// Package procutil isolates the one piece of process-lifecycle behavior
// that differs across platforms: putting a spawned language server in its
// own process group so a restart/shutdown can reach any helper processes it
// forked, rather than just the immediate child. Some language servers
// (OmniSharp's MSBuild workers are the canonical offender) fork helpers
// that would otherwise survive a restart. Modeled on the teacher's own
// platform-suffixed files (autostart_posix.go) rather than runtime.GOOS
// branches inside a single file.
//
// Callers own cmd.Wait(); this package only ever sends signals, so it
// never races a caller's own exit-detection goroutine.
package procutil

import "os/exec"

// Isolate configures cmd so its process becomes the leader of a new
// process group, so Terminate/Kill can reach any children it spawns.
func Isolate(cmd *exec.Cmd) {
	isolate(cmd)
}

// Terminate sends a graceful termination signal to the process group
// rooted at pid (falling back to the single process if the group is
// already gone). On platforms without process groups it kills the single
// process outright.
func Terminate(cmd *exec.Cmd) error {
	return terminate(cmd)
}

// Kill forcibly terminates the process group rooted at pid.
func Kill(cmd *exec.Cmd) error {
	return kill(cmd)
}
