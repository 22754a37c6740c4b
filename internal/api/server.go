package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// StartServer binds addr and serves handler on it. Bind errors are returned
// synchronously. Errors after startup are sent to the returned channel, which
// is buffered (size 5) so the serve goroutine never blocks.
func StartServer(addr string, handler http.Handler) (*http.Server, <-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind to %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:        handler,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	errChan := make(chan error, 5)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("api server panic: %v", r)
				log.Error().Err(err).Msg("API server panic recovered")
				select {
				case errChan <- err:
				default:
				}
			}
		}()

		log.Info().Str("addr", listener.Addr().String()).Msg("Starting API server")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server error")
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	return server, errChan, nil
}

// StopServer gracefully shuts down the server
func StopServer(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info().Msg("Shutting down API server")
	return server.Shutdown(ctx)
}
