// Package reachability watches host network connectivity and reports
// transitions to observers.
//
// A Monitor polls a Checker on an interval. Only changes of state are
// broadcast: repeated successful checks while online produce no events.
// External signals (for example an OS network-change hook) can be fed in
// with Report and go through the same debounce.
//
// Usage:
//
//	mon := reachability.NewMonitor(reachability.Config{Interval: 10 * time.Second},
//	    reachability.NewDialChecker([]string{"broker.local:1883"}, 3*time.Second))
//	mon.AddObserver(registry)
//	mon.Start()
//	defer mon.Close()
package reachability
