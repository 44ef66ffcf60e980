// Package gate provides the two single-slot admission pools that bound
// expensive encoder work.
//
// TryReserve never blocks. A saturated pool is reported as a false return and
// callers decide whether to skip, reject or retry later. The returned
// Reservation is released exactly once no matter how many cleanup paths call
// Release.
package gate
