// Package server is the HTTP front end of the gateway.
//
// Routes:
//
//	GET /scrape/{username}     profile lookup, rate limited per client
//	GET /proxy-image/?url=...  image passthrough
//	GET /health                liveness and cache occupancy
//	GET /metrics               Prometheus exposition, when enabled
//
// Every non-2xx response body is an ErrorResponse.
package server
