package adapter

import (
	"os"
	"sync"
)

// Mode is the runtime the gateway was started under.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeLambda
	ModeHTTPServer
)

var (
	currentMode Mode
	detectOnce  sync.Once
)

func init() {
	DetectMode()
}

// DetectMode picks the runtime once: Lambda when the function-name variable
// is set, a plain HTTP server otherwise.
func DetectMode() Mode {
	detectOnce.Do(func() {
		if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
			currentMode = ModeLambda
		} else {
			currentMode = ModeHTTPServer
		}
	})
	return currentMode
}

// IsLambda reports whether the gateway runs inside AWS Lambda.
func IsLambda() bool {
	return currentMode == ModeLambda
}

// IsHTTPServer reports whether the gateway runs as a plain HTTP server.
func IsHTTPServer() bool {
	return currentMode == ModeHTTPServer
}
