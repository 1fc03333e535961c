// Package reactor provides the level-triggered readiness loop the proxy
// relay runs on. Interest in read and write readiness is armed per fd; all
// handlers run on the single goroutine executing Run, so callbacks never
// observe each other mid-transition.
package reactor

// Ready describes which directions of an fd are ready. Error and hangup
// conditions are folded into every armed direction's bit so the handler
// observes them through the result of its next read or write.
type Ready struct {
	Readable bool
	Writable bool
}

// A Handler is invoked from the Run loop with at least one Ready bit set.
type Handler func(Ready)
