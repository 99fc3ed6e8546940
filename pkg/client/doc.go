// Package client provides a Go SDK for the runner's admin API: status
// queries, pause/resume/cancel controls, and a WebSocket event stream.
//
// # Basic Usage
//
//	c := client.New("http://localhost:9090")
//
//	status, err := c.Status(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = c.PauseProject(ctx, "my-project")
//
// # WebSocket Events
//
//	err := c.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for event := range c.Events() {
//	    fmt.Printf("event: %s\n", event.Type)
//	}
//
// # Configuration
//
//	c := client.New("http://localhost:9090",
//	    client.WithAPIKey("operator-token"),
//	    client.WithTimeout(10*time.Second),
//	)
package client
