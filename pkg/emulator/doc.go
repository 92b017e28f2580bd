// Package emulator contains a small register machine which serves as the
// execution engine for the harness.
//
// Guest programs are written in a tiny assembly language, see AssemblyToProgram.
// The VM implements breakpoint.Engine: armed addresses make Run return before
// the instruction at that address executes, and the next Run resumes there.
// Edge coverage is recorded for every executed instruction so a fuzzer can tell
// which inputs reach new code.
package emulator
