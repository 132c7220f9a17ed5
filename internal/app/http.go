package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

var registerRuntimeCollectorsOnce sync.Once

// metricsServer serves /metrics from the default registry and /healthz from
// the replica status. A degraded replica answers 503 so that orchestrators
// stop routing clients to it.
func (a *App) metricsServer() (*http.Server, net.Listener, error) {
	if a.config.MetricsAddr == "" {
		return nil, nil, nil
	}
	if err := registerRuntimeCollectors(prometheus.DefaultRegisterer); err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.handleHealth)
	return listenHTTP("metrics", a.config.MetricsAddr, mux)
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := a.node.Status()
	if st != consensus.StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = fmt.Fprintln(w, st)
}

func (a *App) pprofServer() (*http.Server, net.Listener, error) {
	if a.config.PprofAddr == "" {
		return nil, nil, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	return listenHTTP("pprof", a.config.PprofAddr, mux)
}

func registerRuntimeCollectors(reg prometheus.Registerer) error {
	var regErr error
	registerRuntimeCollectorsOnce.Do(func() {
		for name, c := range map[string]prometheus.Collector{
			"go":      collectors.NewGoCollector(),
			"process": collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					regErr = fmt.Errorf("metrics register %s collector: %w", name, err)
					return
				}
			}
		}
	})
	return regErr
}

func listenHTTP(name, addr string, h http.Handler) (*http.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s %s: %w", name, addr, err)
	}
	return &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}, lis, nil
}

func shutdownHTTPServer(srv *http.Server, logger Logger, name string) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn(name+" shutdown failed", "error", err)
	}
}
