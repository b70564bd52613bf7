package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maloquacious/goobstore/internal/store"
)

// runServe attaches the configured store and starts both the public (HTML) and
// admin (JSON) servers with graceful shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	rt := newRuntime()
	log := rt.log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.ctrl.Status().Subscribe(nil, func(hasStore bool) {
		log.Info("persistence status changed", "hasStore", hasStore)
	})

	rt.ctrl.AddStoreAsync(ctx, cfg.Store.Path, cfg.Store.Configuration, cfg.Store.Options(), nil,
		func(required bool, err error) {
			switch {
			case err != nil:
				log.Error("store check failed", "location", cfg.Store.Path, "error", err)
			case required:
				log.Warn("store requires migration", "location", cfg.Store.Path, "autoMigrate", cfg.Store.AutoMigrate)
			default:
				log.Info("store schema is current", "location", cfg.Store.Path)
			}
		},
		func(h *store.Handle, err error) {
			if err != nil {
				log.Error("store not attached, server stays unready", "location", cfg.Store.Path, "error", err)
				return
			}
			log.Info("store ready", "store", h.String())
		},
	)

	publicMux := http.NewServeMux()
	adminMux := http.NewServeMux()

	// --- Public routes (HTML/HTMX) ---
	publicMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(publicDir, "index.html"))
	})

	publicMux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	publicMux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !rt.ctrl.Status().Value() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NO STORE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	publicMux.Handle("/public/", http.StripPrefix("/public/", http.FileServer(http.Dir(publicDir))))

	// --- Admin routes (JSON-only, loopback only) ---
	adminMux.Handle("/admin/status", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasStore := rt.ctrl.HasStore()
		mode := "running"
		if !hasStore {
			mode = "uninitialized"
		}
		resp := statusResponse{
			Version:       version.String(),
			SchemaVersion: rt.model.LatestVersion(),
			BuildDate:     buildDate,
			Time:          time.Now().UTC().Format(time.RFC3339),
			Mode:          mode,
			HasStore:      hasStore,
			Stores:        []storeStatus{},
		}
		for _, h := range rt.ctrl.Stores() {
			resp.Stores = append(resp.Stores, storeStatus{
				ID:            h.ID.String(),
				Location:      h.Location,
				Configuration: h.Configuration,
				InMemory:      h.InMemory(),
				AttachedAt:    h.AttachedAt.Format(time.RFC3339),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})))

	adminMux.Handle("/admin/shutdown", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "shutting down"})
		go func() {
			// give the response a moment to flush
			time.Sleep(200 * time.Millisecond)
			stop()
		}()
	})))

	if cfg.Metrics.Enabled {
		adminMux.Handle("/admin/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}

	// HTTP servers
	publicSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: publicMux,
	}

	// Bind admin to 127.0.0.1 only (loopback enforcement)
	adminListener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Server.AdminPort))
	if err != nil {
		rt.shutdown(context.Background())
		return fmt.Errorf("admin listener bind failed (loopback only): %w", err)
	}
	adminSrv := &http.Server{
		Handler: adminMux,
	}

	if exitAfter > 0 {
		go func() {
			log.Info("exit-after timer set", "after", exitAfter)
			select {
			case <-time.After(exitAfter):
				stop()
			case <-ctx.Done():
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("public server listening", "port", cfg.Server.Port)
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("public server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("admin server listening", "addr", adminListener.Addr().String())
		if err := adminSrv.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		_ = publicSrv.Shutdown(shutdownCtx)
		_ = adminSrv.Shutdown(shutdownCtx)
		return nil
	})

	serveErr := g.Wait()
	if serveErr != nil {
		log.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	rt.shutdown(shutdownCtx)

	log.Info("shutdown complete")
	return serveErr
}

// shutdown drains pending lifecycle calls, then detaches every store.
func (rt *runtime) shutdown(ctx context.Context) {
	if err := rt.ctrl.Close(ctx); err != nil {
		rt.log.Error("lifecycle drain incomplete", "error", err)
	}
	if err := rt.coord.Close(); err != nil {
		rt.log.Error("store close error", "error", err)
	}
}

type statusResponse struct {
	Version       string        `json:"version"`
	SchemaVersion uint          `json:"schemaVersion"`
	BuildDate     string        `json:"buildDate"`
	Time          string        `json:"time"`
	Mode          string        `json:"mode"`
	HasStore      bool          `json:"hasStore"`
	Stores        []storeStatus `json:"stores"`
}

type storeStatus struct {
	ID            string `json:"id"`
	Location      string `json:"location"`
	Configuration string `json:"configuration,omitempty"`
	InMemory      bool   `json:"inMemory"`
	AttachedAt    string `json:"attachedAt"`
}

// jsonOnly enforces JSON-only contract for admin routes.
func jsonOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Require Accept: application/json (at least for admin)
		accept := r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") && accept != "" {
			writeJSONError(w, http.StatusNotAcceptable, "not_acceptable", "Accept must include application/json")
			return
		}
		if r.Method != http.MethodGet && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
