package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run status HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/runs", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ClientID  string           `json:"client_id"`
				ExpenseID string           `json:"expense_id"`
				Options   model.RunOptions `json:"options"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.ClientID == "" || body.ExpenseID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id and expense_id are required"})
				return
			}

			p, err := env.newPipeline(body.Options)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			run, items, err := env.Tracker.StartRun(req.Context(), env.ERP, body.ClientID, body.ExpenseID, body.Options)
			if err != nil {
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}

			// The run executes against the server's lifetime, not the request's.
			go func() {
				if _, err := p.Execute(ctx, run, items); err != nil {
					zap.L().Error("run execution failed",
						zap.String("run_id", run.ID),
						zap.Error(err),
					)
				}
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
		})

		r.Get("/runs/{runID}", func(w http.ResponseWriter, req *http.Request) {
			withTransitions := req.URL.Query().Get("transitions") == "true"
			snap, err := env.Tracker.GetRunStatus(req.Context(), chi.URLParam(req, "runID"), withTransitions)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Get("/runs/{runID}/items/{itemID}", func(w http.ResponseWriter, req *http.Request) {
			item, err := env.Tracker.GetItemStatus(req.Context(), chi.URLParam(req, "runID"), chi.URLParam(req, "itemID"))
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		})

		r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}

			ch, cancel := env.Bus.Subscribe()
			defer cancel()

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			runFilter := req.URL.Query().Get("run_id")
			for {
				select {
				case <-req.Context().Done():
					return
				case ev, open := <-ch:
					if !open {
						return
					}
					if runFilter != "" && ev.RunID != runFilter {
						continue
					}
					data, err := json.Marshal(ev)
					if err != nil {
						continue
					}
					fmt.Fprintf(w, "data: %s\n\n", data)
					flusher.Flush()
				}
			}
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
