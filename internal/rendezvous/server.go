package rendezvous

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/ratelimit"
	"github.com/november222/onlyyou-sub000/internal/security"
)

// Server is the rendezvous service: it pairs exactly two control
// connections per room code and relays opaque negotiation envelopes
// between them.
type Server struct {
	Registry    *Registry
	ConnLimiter *security.ConnectionLimiter
	Limiter     *ratelimit.Limiter
	Port        string
}

func NewServer() *Server {
	return &Server{
		Registry:    NewRegistry(nil),
		ConnLimiter: security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		Limiter:     ratelimit.New(nil),
	}
}

// Handler builds the HTTP surface. Exposed separately so tests can mount
// it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointGenerateRoom, s.HandleGenerateRoom)
	mux.HandleFunc(constants.EndpointHealth, s.HandleHealth)
	mux.HandleFunc(constants.EndpointWebSocket, s.HandleWebSocket)

	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = CorsMiddleware(handler)
	return handler
}

func (s *Server) Run() {
	s.Port = constants.GetEnv("PORT", constants.DefaultPort)

	h2Handler := h2c.NewHandler(s.Handler(), &http2.Server{})

	server := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           h2Handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("🚀 rendezvous server starting on :%s", s.Port)

	<-sigChan
	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped")
}
