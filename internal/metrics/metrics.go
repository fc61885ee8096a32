// Package metrics exposes the Prometheus /metrics endpoint every
// long-running hades daemon serves, in the style of ap.dhcp4d's
// `http.Handle("/metrics", promhttp.Handler())`.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve binds addr and serves /metrics until ctx is canceled. A blank
// addr disables the endpoint entirely (returns nil immediately) so
// binaries can leave HADES_METRICS_ADDR unset in minimal deployments.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		srv.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
