package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"call-audit-go/internal/detector"
	"call-audit-go/internal/engine"
	"call-audit-go/internal/logger"
	"call-audit-go/internal/pool"
	"call-audit-go/internal/quota"
	"call-audit-go/internal/report"
	"call-audit-go/internal/sizer"
)

type submitRequest struct {
	UserID       string   `json:"user_id"`
	Files        []string `json:"files,omitempty"`
	ManifestPath string   `json:"manifest_path,omitempty"`
}

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "call-audit-go").Info("starting service")

	quotaPath := envOr("QUOTA_DB_PATH", "quota.db")
	store, err := quota.OpenSQLite(quotaPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open quota store")
	}
	log.WithField("quota_db", quotaPath).Info("quota store ready")

	poolMgr := pool.New(pool.ConfigFromEnv())
	enforcer := quota.NewEnforcer(store)
	eng := engine.New(
		engine.ConfigFromEnv(),
		poolMgr,
		sizer.New(),
		enforcer,
		[]detector.Detector{detector.NewReleasing(), detector.NewLateGreeting()},
		detector.NewSemantic(),
		detector.FileSource,
	)
	eng.SetProgressFunc(func(jobID string, succeeded, failed, total int) {
		log.WithField("job_id", jobID).
			WithField("succeeded", succeeded).
			WithField("failed", failed).
			WithField("total", total).
			Debug("progress")
	})

	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.New().WithRequest(r).Info("health check")
		fmt.Fprint(w, "ok")
	})

	// submit batch / fetch report
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.New().WithRequest(r).WithField("handler", "jobs")
		switch r.Method {
		case http.MethodPost:
			var req submitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				reqLog.WithError(err).Warn("bad submit payload")
				http.Error(w, "bad request body", http.StatusBadRequest)
				return
			}
			if req.UserID == "" {
				http.Error(w, "missing user_id", http.StatusBadRequest)
				return
			}
			var jobID string
			switch {
			case len(req.Files) > 0:
				jobID = eng.Submit(req.UserID, req.Files)
			case req.ManifestPath != "":
				id, err := eng.SubmitManifest(req.UserID, req.ManifestPath)
				if err != nil {
					reqLog.WithError(err).Warn("manifest load failed")
					http.Error(w, fmt.Sprintf("manifest: %v", err), http.StatusBadRequest)
					return
				}
				jobID = id
			default:
				http.Error(w, "no files submitted", http.StatusBadRequest)
				return
			}
			reqLog.WithField("job_id", jobID).Info("job submitted")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})

		case http.MethodGet:
			id := r.URL.Query().Get("id")
			rep, ok := eng.Job(id)
			if !ok {
				http.Error(w, "unknown job", http.StatusNotFound)
				return
			}
			if r.URL.Query().Get("format") == "xlsx" {
				w.Header().Set("Content-Type",
					"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
				w.Header().Set("Content-Disposition",
					fmt.Sprintf("attachment; filename=%q", "audit-"+id+".xlsx"))
				if err := report.Stream(rep, w); err != nil {
					reqLog.WithError(err).Error("report export failed")
				}
				return
			}
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			enc.Encode(rep)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// cancel a running job
	mux.HandleFunc("/jobs/cancel", func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.New().WithRequest(r).WithField("handler", "cancel")
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if !eng.Cancel(id) {
			http.Error(w, "unknown or finished job", http.StatusNotFound)
			return
		}
		reqLog.WithField("job_id", id).Info("job cancelled")
		fmt.Fprint(w, "cancelled")
	})

	// pool stats
	mux.HandleFunc("/pool/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(poolMgr.Stats())
	})

	// remaining daily quota, plus per-user allowance overrides
	mux.HandleFunc("/quota", func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.New().WithRequest(r).WithField("handler", "quota")
		switch r.Method {
		case http.MethodGet:
			userID := r.URL.Query().Get("user_id")
			if userID == "" {
				http.Error(w, "missing user_id", http.StatusBadRequest)
				return
			}
			remaining, err := enforcer.Remaining(r.Context(), userID)
			if err != nil {
				reqLog.WithError(err).Error("quota lookup failed")
				http.Error(w, "quota lookup failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"user_id": userID, "remaining": remaining})

		case http.MethodPost:
			var req struct {
				UserID     string `json:"user_id"`
				DailyLimit int    `json:"daily_limit"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.DailyLimit < 0 {
				http.Error(w, "bad limit payload", http.StatusBadRequest)
				return
			}
			if err := store.SetUserDailyLimit(r.Context(), req.UserID, req.DailyLimit); err != nil {
				reqLog.WithError(err).Error("limit update failed")
				http.Error(w, "limit update failed", http.StatusInternalServerError)
				return
			}
			reqLog.WithField("user", req.UserID).WithField("daily_limit", req.DailyLimit).Info("limit updated")
			fmt.Fprint(w, "ok")

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	addr := fmt.Sprintf(":%s", envOr("PORT", "8080"))
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	eng.Shutdown(30 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
