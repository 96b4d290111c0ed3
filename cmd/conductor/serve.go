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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conductor-council/internal/council"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// councilServer is a read-mostly HTTP view of the jobs under one root.
type councilServer struct {
	host      string
	port      int
	jobsDir   string
	agg       *council.Aggregator
	wait      council.WaitOptions
	log       *zap.Logger
	startedAt time.Time
}

func newCouncilServer(host string, port int, jobsDir string, agg *council.Aggregator, log *zap.Logger) *councilServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &councilServer{
		host:      host,
		port:      port,
		jobsDir:   jobsDir,
		agg:       agg,
		log:       log,
		startedAt: time.Now().UTC(),
	}
}

func (s *councilServer) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *councilServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/health", s.handleHealth)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Get("/wait", s.handleWait)
			r.Get("/results", s.handleResults)
			r.Post("/stop", s.handleStop)
		})
	})
	return r
}

func (s *councilServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())),
		)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *councilServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *councilServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"pid":       os.Getpid(),
		"jobsDir":   s.jobsDir,
		"startedAt": s.startedAt.Format(time.RFC3339),
		"uptimeMs":  time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *councilServer) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.agg.ListJobs(s.jobsDir, r.URL.Query().Get("match"))
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// jobDir resolves the {id} path parameter. Ids never contain separators,
// so requests cannot reach outside the jobs root.
func (s *councilServer) jobDir(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: bad job id %q", council.ErrInvalidArgument, id)
	}
	return council.ResolveJobDir(s.jobsDir, id)
}

func (s *councilServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	dir, err := s.jobDir(r)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	snap, err := s.agg.Collect(dir)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *councilServer) handleWait(w http.ResponseWriter, r *http.Request) {
	dir, err := s.jobDir(r)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	q := r.URL.Query()
	opts := s.wait
	opts.Cursor = q.Get("cursor")
	if opts.BucketSize, err = queryInt(q.Get("bucket")); err != nil {
		writeCouncilError(w, err)
		return
	}
	if v := q.Get("intervalMs"); v != "" {
		ms, err := queryInt(v)
		if err != nil {
			writeCouncilError(w, err)
			return
		}
		opts.Interval = time.Duration(ms) * time.Millisecond
	}
	if v := q.Get("timeoutSec"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeCouncilError(w, fmt.Errorf("%w: timeoutSec: %v", council.ErrInvalidArgument, err))
			return
		}
		opts.Timeout = seconds(secs)
	}
	res, err := s.agg.Wait(r.Context(), dir, opts)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *councilServer) handleResults(w http.ResponseWriter, r *http.Request) {
	dir, err := s.jobDir(r)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	tail, err := queryInt(r.URL.Query().Get("tail"))
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	res, err := council.Results(dir, tail)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *councilServer) handleStop(w http.ResponseWriter, r *http.Request) {
	dir, err := s.jobDir(r)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	res, err := council.Stop(dir, s.log)
	if err != nil {
		writeCouncilError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", council.ErrInvalidArgument, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeCouncilError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, council.ErrJobNotFound), errors.Is(err, council.ErrManifestMissing):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, council.ErrInvalidArgument), errors.Is(err, council.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, 499, "CANCELED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func newServeCmd(a *app) *cobra.Command {
	var (
		host    string
		port    int
		jobsDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve job status over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("host") && a.cfg.Council.Serve.Host != "" {
				host = a.cfg.Council.Serve.Host
			}
			if !cmd.Flags().Changed("port") && a.cfg.Council.Serve.Port != 0 {
				port = a.cfg.Council.Serve.Port
			}
			srv := newCouncilServer(host, port, a.jobsDir(jobsDir), a.aggregator(), a.log)
			srv.wait = a.waitDefaults()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.ErrOrStderr(), "conductor council listening on %s\n", srv.Addr())
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", defaultServeHost, "listen host")
	cmd.Flags().IntVar(&port, "port", defaultServePort, "listen port")
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "jobs root directory")
	return cmd
}
