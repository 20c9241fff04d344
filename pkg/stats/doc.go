/*
Package stats serves rolling-window download counts from a cache, computing
them in the background from the analytics warehouse.

A request for project P (and optionally version V) reads the cached records in
a single batched read. If any is missing the service takes a short-lived
processing lease for it, fans the daily, weekly, monthly and yearly window
queries out to a worker pool and answers ErrStatsPending. Once all four
windows succeed the combined StatRecord is written in a single SETEX and the
lease is released; if any window fails nothing is written and the lease
expires on its own, so the next request retries.

Cache keys:

	stats:downloads:<project>                      record, 15 minutes
	stats:downloads:<project>:<version>            record, 15 minutes
	stats:downloads:<project>[:<version>]:processing  lease, 30 seconds
*/
package stats
