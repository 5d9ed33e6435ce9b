// Package events delivers connection outcomes and inbound messages to
// registered listeners.
//
// A Dispatcher is created once by its owner and passed explicitly; there is
// no process-wide instance. Dispatch runs listeners synchronously on the
// calling goroutine, so a caller that dispatches from a single goroutine per
// connection key gets per-key ordering for free.
package events
