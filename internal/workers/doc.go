/*
Package workers sizes worker pools from the CPUs available to the container.

runtime.NumCPU reports the host's CPUs, while GOMAXPROCS follows the cgroup
CPU limit, so pool sizes here are derived from GOMAXPROCS:

	numWorkers := workers.ForIO(8) // 2 per CPU, at most 8

Operators can pin the count with the PROBE_WORKERS environment variable,
which is still capped by the limit argument:

	env:
	- name: PROBE_WORKERS
	  value: "2"

Probing a network share with many parallel ffprobe processes is the usual
reason to lower it.
*/
package workers
