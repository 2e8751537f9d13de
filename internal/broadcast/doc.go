// Package broadcast implements the dashboard session registry using the
// actor pattern.
//
// A single goroutine owns the membership set; register, unregister and
// broadcast arrive as commands on a channel (no mutexes). Each session gets
// a per-connection write goroutine with a buffered send channel, so one
// slow or dead socket never blocks fan-out to the rest.
package broadcast
