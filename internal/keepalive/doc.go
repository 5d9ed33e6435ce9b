// Package keepalive schedules liveness probes per connection key.
//
// Deadlines are kept as wall-clock instants and compared on every tick of a
// short resolution ticker. When the host suspends, Go's monotonic timers
// stop with it; comparing wall-clock time on wake means an overdue probe
// fires on the first tick after resume instead of a full interval later.
//
// Every firing holds a liveness resource (see Hold) for the duration of the
// probe and releases it in a deferred call, so a failing or panicking probe
// cannot leave it held.
package keepalive
