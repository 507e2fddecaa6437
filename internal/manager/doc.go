// Package manager provides the compilation manager facade: the component
// the interpreter dispatch loop talks to when a unit turns hot. It owns the
// unit table and the installed-code registry, coalesces duplicate submits,
// drives tasks through the chosen scheduler, and installs, discards, or
// invalidates the artifacts they produce.
package manager
