// Package api provides the HTTP API for download statistics.
//
// # Endpoints
//
//	GET /api/v1/stats/{project}
//	GET /api/v1/stats/{project}/{version}
//
// A cached bundle is returned with 200:
//
//	{"project":"requests","downloads":{"all":{"daily":120,...},"version":{...}}}
//
// When a record is missing an aggregation run is started in the background and
// the request is answered with 202 and a Retry-After header. Clients poll until
// they receive 200. Malformed project or version names get 400.
//
// # Server
//
// Server wires the stats routes behind request id, panic recovery, access
// logging, tracing, HTTP metrics and the optional Redis rate limiter:
//
//	server := api.NewServer(svc,
//		api.WithLogger(logger),
//		api.WithMetrics(metrics),
//		api.WithRateLimiter(limiter),
//	)
//	http.ListenAndServe(":8080", server)
//
// Health and metrics endpoints live on a separate listener, see
// observability.RegisterHealthRoutes.
package api
