// Package server hosts the Fiber HTTP service and its middleware chain:
// request IDs, panic recovery, access logging and a uniform JSON error body.
// Route groups live in the routes subpackage and receive their dependencies
// explicitly, so tests can mount a single group on a bare app.
package server
