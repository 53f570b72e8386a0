// Package api implements the HTTP control surface: operator authentication,
// platform profile management, and starting, stopping, and observing loop
// sessions.
package api
