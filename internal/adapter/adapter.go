package adapter

// Adapter runs the gateway under one runtime, AWS Lambda or a plain HTTP
// server.
type Adapter interface {
	// Start serves requests until the runtime shuts down.
	Start()
}
