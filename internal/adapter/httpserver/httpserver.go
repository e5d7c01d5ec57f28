package httpserver

import (
	"net/http"
	"os"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/adapter"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/handler"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// httpServer represents the HTTP server configuration.
type httpServer struct {
	Addr    string
	handler *handler.Handler
}

// NewAdapter creates an HTTP server adapter listening on HIE_PORT (default
// 8080).
func NewAdapter(h *handler.Handler) adapter.Adapter {
	port := os.Getenv("HIE_PORT")
	if port == "" {
		port = "8080"
	}
	return &httpServer{Addr: ":" + port, handler: h}
}

// Start begins listening for HTTP requests and handles them.
func (s *httpServer) Start() {
	logger.Infof("server is listening on %s...", s.Addr)

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handler.HandleRequest(w, r)
	})

	if err := http.ListenAndServe(s.Addr, nil); err != nil {
		logger.Errorf("error starting server: %v", err)
	}
}
