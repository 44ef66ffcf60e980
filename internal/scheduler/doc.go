// Package scheduler decides which cache artifact to build next.
//
// After each library scan the Scheduler walks the probed profiles, classifies
// each one and picks its target artifact: the remux for remux-only sources,
// or the transcode at the highest quality the source resolution supports.
// Anything already ready or building is skipped. The first missing artifact
// that wins a background slot is started and the pass ends there, so one
// pass never admits more than one job.
//
// Builds that fail are not retried until the next scan. With chaining
// enabled a successful build immediately triggers another pass over the last
// scanned set.
package scheduler
