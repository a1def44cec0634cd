// Package client is a Go client for the coven-coordinator HTTP API.
//
// Agents use it to register, heartbeat and report task outcomes; the
// coven-coordinator CLI uses it for status, health and task submission.
//
//	c := client.New("http://127.0.0.1:8090", client.WithToken(tok))
//	rec, err := c.Register(ctx, "build-1", []string{"build", "test"})
//
// Failed requests return *APIError carrying the server's error code.
package client
