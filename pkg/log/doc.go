// Package log provides the kernel's structured logging.
//
// It wraps zerolog to give every component (crank runner, kernel store, GC,
// supervisors, remote comms) a component-tagged child logger from a single
// globally configured sink. Call Init once at process startup; everything
// else derives from Logger via WithComponent/WithVatID/WithCrank/WithPeerID.
package log
