// Package memory sets the Go memory limit for containerized deployments.
//
// GOMAXPROCS follows cgroup CPU limits on its own, but GOMEMLIMIT has to be
// configured. [ConfigureFromEnv] derives it from MEMORY_LIMIT, usually
// injected through the Kubernetes Downward API:
//
//	env:
//	  - name: MEMORY_LIMIT
//	    valueFrom:
//	      resourceFieldRef:
//	        resource: limits.memory
//
// Only a share of the container limit (MEMORY_RATIO, default 0.5) goes to
// the Go heap. Encoder processes are children of the server and are charged
// to the same cgroup, so a remux and a live transcode running together need
// most of the headroom. An explicit GOMEMLIMIT always wins.
package memory
