/*
Package analytics submits SQL queries to an asynchronous analytics engine and
streams their results.

An Engine accepts a query and hands back a job id. The Client polls the job
until it reaches a terminal state, then returns a RowIterator that fetches
result pages lazily as rows are consumed:

	client := analytics.NewClient(engine, analytics.DefaultClientConfig(),
		analytics.WithLogger(logger),
		analytics.WithMetrics(metrics),
	)

	it, err := client.Submit(ctx, analytics.Query{
		SQL:  "SELECT COUNT(*) FROM downloads WHERE project = $1",
		Args: []any{"requests"},
	})
	if err != nil {
		return err
	}
	for it.Next(ctx) {
		row := it.Row()
		// ...
	}
	if err := it.Err(); err != nil {
		return err
	}

A job that the engine reports as failed surfaces as *QueryExecutionError
carrying the engine's error payload. Transient engine errors are retried a
bounded number of times; submissions are rate limited and protected by a
circuit breaker.

SQLEngine implements Engine on top of database/sql, so any Postgres-compatible
warehouse (lib/pq) or a local SQLite file (go-sqlite3) can serve as the
backend.
*/
package analytics
