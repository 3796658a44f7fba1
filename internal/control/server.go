package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/hcfes/stimtune/internal/store"
)

// Surface runs the HTTP and gRPC listeners of one session. Either address may be empty.
type Surface struct {
	httpSrv *http.Server
	httpLis net.Listener
	grpcSrv *grpc.Server
	grpcLis net.Listener
	log     *slog.Logger
}

// Listen binds the configured addresses. Nothing is served until Serve.
func Listen(httpAddr, grpcAddr string, sess Session, history *store.MemoryStore, log *slog.Logger) (*Surface, error) {
	s := &Surface{log: log}
	if httpAddr != "" {
		lis, err := net.Listen("tcp", httpAddr)
		if err != nil {
			return nil, fmt.Errorf("listen for http on %s: %w", httpAddr, err)
		}
		s.httpLis = lis
		s.httpSrv = &http.Server{
			Handler:           NewHTTPServer(sess, history, log).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
	}
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			if s.httpLis != nil {
				s.httpLis.Close()
			}
			return nil, fmt.Errorf("listen for grpc on %s: %w", grpcAddr, err)
		}
		s.grpcLis = lis
		// TODO: add TLS and caller authentication before exposing the control port beyond the rig's LAN.
		s.grpcSrv = grpc.NewServer()
		RegisterControlServer(s.grpcSrv, NewGRPCServer(sess, log))
	}
	return s, nil
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled
func (s *Surface) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is disabled
func (s *Surface) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Serve blocks until ctx is done, then shuts both listeners down gracefully
func (s *Surface) Serve(ctx context.Context) error {
	errc := make(chan error, 2)
	if s.grpcSrv != nil {
		go func() {
			s.log.Info("gRPC control listening", "addr", s.GRPCAddr())
			errc <- s.grpcSrv.Serve(s.grpcLis)
		}()
	}
	if s.httpSrv != nil {
		go func() {
			s.log.Info("HTTP control listening", "addr", s.HTTPAddr())
			if err := s.httpSrv.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
				return
			}
			errc <- nil
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if serveErr != nil {
			s.log.Error("control server error", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
		}
	}
	return serveErr
}
