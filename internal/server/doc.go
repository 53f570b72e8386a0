// Package server assembles the HTTP surface of the control plane: route
// registration, the middleware chain (request IDs, logging, auditing,
// metrics, rate limiting, authentication), and graceful lifecycle hooks.
package server
