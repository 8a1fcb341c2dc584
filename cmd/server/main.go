package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	persistlog "blockgraph.ai/internal/persistence/log"
	"blockgraph.ai/internal/sim/tuning"
	"blockgraph.ai/internal/sim/universe"
	"blockgraph.ai/internal/transport/observer"
	"blockgraph.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address (health, metrics, edit websocket)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the read-model index")
		noEventLog = flag.Bool("disable_event_log", false, "disable the on-disk graph event log")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if *disableDB {
		tune.IndexBackend = "none"
	}

	u, err := universe.Open(universe.Options{
		Dir:    *dataDir,
		Tuning: tune,
		Logger: log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("open universe: %v", err)
	}
	logger.Printf("worlds=%v default=%s tick_rate=%d", u.WorldIDs(), tune.DefaultWorldID, tune.TickRateHz)

	// Read-model index and event log see every event; neither affects the graphs.
	idx, err := openRuntimeIndex(*dataDir, tune.IndexBackend, tune.IndexDSN, u.Types(), logger)
	if err != nil {
		logger.Fatalf("index: %v", err)
	}
	if idx != nil {
		u.AddListener(idx)
	}
	var eventLog *persistlog.EventLogger
	if tune.EventLog && !*noEventLog {
		eventLog = persistlog.NewEventLogger(*dataDir, u.Types(), logger)
		u.AddListener(eventLog)
	}

	hub := observer.NewHub(u.Types(), logger)
	u.AddListener(hub)
	obsSrv := observer.NewServer(hub, u.Bootstrap, logger)

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metricsHandler(newCollector(u.Metrics, hub, idx)))
	mux.HandleFunc("/edit/ws", ws.NewServer(u, logger).Handler())

	if envBool("BG_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/save", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			sctx, scancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer scancel()
			var tick uint64
			err := u.Do(sctx, func(u *universe.Universe) error {
				tick = u.CurrentTick()
				return u.SaveAll()
			})
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
		})
	} else {
		logger.Printf("admin endpoints disabled (BG_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("BG_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	servers := []*http.Server{{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	if oa := strings.TrimSpace(tune.ObserverAddr); oa != "" && oa != *addr {
		servers = append(servers, &http.Server{Addr: oa, Handler: obsSrv.Mux(), ReadHeaderTimeout: 5 * time.Second})
	} else {
		mux.Handle("/observer/", obsSrv.Mux())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := u.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			err = errLoopStopped
		}
		return err
	})
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Printf("listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, srv := range servers {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(sctx)
			scancel()
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errLoopStopped) {
		logger.Printf("server stopped: %v", err)
	}

	if err := u.Close(); err != nil {
		logger.Printf("close universe: %v", err)
	}
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Printf("close index: %v", err)
		}
	}
	if eventLog != nil {
		if err := eventLog.Close(); err != nil {
			logger.Printf("close event log: %v", err)
		}
	}
	logger.Printf("stopped at tick %d", u.CurrentTick())
}

var errLoopStopped = errors.New("tick loop stopped")

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
