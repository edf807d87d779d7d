// Package fdplan builds the fixed file-descriptor layout spec §9 asks the
// launcher to construct explicitly rather than leave implicit in ad hoc
// Dup2/Close calls scattered through the spawn path. A Plan is a table of
// files indexed by destination slot; spawn.Start realizes it onto an
// exec.Cmd by driving Stdin/Stdout/Stderr/ExtraFiles from StdFiles and
// ExtraFiles, which is how Go's runtime performs the actual
// fork+dup2+close sequence in the child between fork and exec.
package fdplan

import (
	"fmt"
	"os"
)

// Slot names the fixed positions spec §9 assigns in the bridge's child
// file-descriptor table.
type Slot int

const (
	// SlotBootstrap carries the read end of the bootstrap pipe (fd 0).
	SlotBootstrap Slot = iota
	// SlotStderrDup carries a duplicate of stderr (fd 1), so the bridge's
	// stdout is never silently attached to the client connection.
	SlotStderrDup
	// SlotStderr carries the broker's own stderr, inherited (fd 2).
	SlotStderr
	// SlotClientConn carries the client's connection (fd 3).
	SlotClientConn
	// SlotExecStatus is the slot for an exec-confirmation pipe's write end
	// (fd 4 when set). broker.Handle leaves it unset: exec confirmation
	// comes from exec.Cmd.Start, so the bridge gets no fd 4.
	SlotExecStatus
	// SlotBridgeBinary is the slot for the validated bridge binary handle.
	// ExtraFiles never includes it, so the bridge gets no fd 5; the handle
	// is used only as the /proc/self/fd/<n> exec target.
	SlotBridgeBinary

	numSlots
)

// Entry is one row of the plan: what file goes at this slot, and whether
// the destination descriptor must survive into the child's own exec (it
// never does past SlotBridgeBinary, which is consumed as the exec target
// itself, not passed through).
type Entry struct {
	Slot   Slot
	File   *os.File
	Inherit bool
}

// Plan is the complete, fixed-size table for one spawn. The four slots
// Validate checks must be filled before spawn.Start; a nil File at one of
// them is a programming error, not a runtime one, since the broker
// constructs every slot itself.
type Plan struct {
	entries [numSlots]*os.File
}

// Set installs file at slot. Passing a nil file clears a previously set
// slot (used by tests constructing partial plans).
func (p *Plan) Set(slot Slot, file *os.File) {
	p.entries[int(slot)] = file
}

// Get returns the file installed at slot, or nil.
func (p *Plan) Get(slot Slot) *os.File {
	return p.entries[int(slot)]
}

// Validate reports an error naming the first unfilled required slot.
// The required slots are SlotBootstrap, SlotStderrDup, SlotStderr and
// SlotClientConn; SlotExecStatus and SlotBridgeBinary may be absent, and
// broker.Handle leaves both unset.
func (p *Plan) Validate() error {
	for _, s := range []Slot{SlotBootstrap, SlotStderrDup, SlotStderr, SlotClientConn} {
		if p.entries[int(s)] == nil {
			return fmt.Errorf("fdplan: required slot %d unset", s)
		}
	}
	return nil
}

// StdFiles returns the three files destined for Stdin/Stdout/Stderr on an
// exec.Cmd, in that order.
func (p *Plan) StdFiles() (stdin, stdout, stderr *os.File) {
	return p.entries[SlotBootstrap], p.entries[SlotStderrDup], p.entries[SlotStderr]
}

// ExtraFiles returns the files destined for exec.Cmd.ExtraFiles, in the
// fixed order the bridge expects to find them starting at fd 3: the
// client connection, then the exec-status file if set. SlotBridgeBinary
// is never included.
func (p *Plan) ExtraFiles() []*os.File {
	out := make([]*os.File, 0, 2)
	if f := p.entries[SlotClientConn]; f != nil {
		out = append(out, f)
	}
	if f := p.entries[SlotExecStatus]; f != nil {
		out = append(out, f)
	}
	return out
}

// CloseAll closes every non-nil file in the plan. Safe to call once the
// parent no longer needs its copies (Go's exec machinery dup2's these
// into the child before the parent-side handles are closed).
func (p *Plan) CloseAll() {
	for _, f := range p.entries {
		if f != nil {
			_ = f.Close()
		}
	}
}
