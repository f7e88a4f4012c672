// Package main implements vmediad, the virtual media lifecycle daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/fenio/vmediad/pkg/config"
	"github.com/fenio/vmediad/pkg/dbusapi"
	"github.com/fenio/vmediad/pkg/registry"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath  = flag.String("config", "/etc/vmediad/vmediad.yaml", "Path to the slot configuration file")
	metricsAddr = flag.String("metrics-addr", ":8081", "Address to expose Prometheus metrics")
	systemBus   = flag.Bool("system-bus", true, "Connect to the D-Bus system bus (false uses the session bus, for local testing)")
	showVersion = flag.Bool("show-version", false, "Show version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vmediad version: %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	slots, err := config.Load(*configPath)
	if err != nil {
		klog.Fatalf("vmediad: load config: %v", err)
	}
	klog.Infof("vmediad: loaded %d slot(s) from %s", len(slots), *configPath)

	conn, err := connectBus(*systemBus)
	if err != nil {
		klog.Fatalf("vmediad: connect D-Bus: %v", err)
	}
	defer conn.Close()

	// Every slot's Deps.EmitCompletion must forward to its dbusapi.Object,
	// but that Object can only be exported once the Machine it wraps
	// exists. objects is filled in right after registry.New returns, and
	// before the registry's Run starts any slot goroutine — so by the
	// time a slot can possibly emit a completion, its entry is present.
	objects := make(map[string]*dbusapi.Object, len(slots))
	reg := registry.New(slots, func(cfg config.SlotConfig) registry.CompletionEmitter {
		name := cfg.Name
		return func(code int32) {
			if obj, ok := objects[name]; ok {
				obj.EmitCompletion(code)
			}
		}
	})

	for _, cfg := range slots {
		obj, exportErr := dbusapi.Export(conn, cfg.Name, reg.Get(cfg.Name))
		if exportErr != nil {
			klog.Fatalf("vmediad: export slot %s: %v", cfg.Name, exportErr)
		}
		objects[cfg.Name] = obj
	}
	klog.Infof("vmediad: %d D-Bus object(s) exported", len(objects))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(*metricsAddr)

	klog.Infof("vmediad: running")
	if err := reg.Run(ctx); err != nil {
		klog.Errorf("vmediad: registry stopped with error: %v", err)
	}
	klog.Infof("vmediad: shut down cleanly")
}

func connectBus(system bool) (*dbus.Conn, error) {
	if system {
		return dbus.ConnectSystemBus()
	}
	return dbus.ConnectSessionBus()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	klog.Infof("vmediad: metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // internal metrics endpoint, no slowloris-relevant client input
		klog.Errorf("vmediad: metrics server: %v", err)
	}
}
