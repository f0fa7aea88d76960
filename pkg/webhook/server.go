// Package webhook starts pipeline runs for push events and reports their progress over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/muyo/sno"
	"github.com/rotisserie/eris"
	"github.com/unrolled/secure"

	"github.com/fornjot/matrixbuild/pkg/buildlog"
	"github.com/fornjot/matrixbuild/pkg/pipeline"
	"github.com/fornjot/matrixbuild/pkg/runner"
)

// Executor runs all jobs of a run to completion
type Executor interface {
	Execute(ctx context.Context, run *runner.Run) error
}

// MaxPushSize limits the body of a push event
const MaxPushSize = 1 << 20

// PushEvent is the payload accepted by POST /hooks/push
type PushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// Server accepts push events and keeps track of the runs they started
type Server struct {
	Pipeline *pipeline.Pipeline
	Jobs     []pipeline.JobSpec
	Executor Executor

	// ctx is the parent of every background run and carries the logger
	ctx  context.Context
	wg   sync.WaitGroup
	lock sync.Mutex
	runs map[string]*runner.Run
}

// New creates a server. Runs started by it inherit ctx and stop when it is cancelled.
func New(ctx context.Context, p *pipeline.Pipeline, jobs []pipeline.JobSpec, executor Executor) *Server {
	return &Server{
		Pipeline: p,
		Jobs:     jobs,
		Executor: executor,
		ctx:      ctx,
		runs:     make(map[string]*runner.Run),
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := sno.New(0).String()
		rw.Header().Set("X-Request-Id", reqID)

		ctx := buildlog.WithLogger(r.Context(), buildlog.Log(s.ctx))
		ctx = buildlog.WithFields(ctx, map[string]string{"req": reqID})
		buildlog.Log(ctx).Debug().Msgf("%s %s", r.Method, r.URL.Path)

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// Handler returns the HTTP handler with all routes and middlewares
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/hooks/push", s.handlePush).Methods(http.MethodPost)
	r.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain")
		_, _ = rw.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	return sm.Handler(s.logMiddleware(r))
}

func writeJSON(rw http.ResponseWriter, r *http.Request, status int, value interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	if err := json.NewEncoder(rw).Encode(value); err != nil {
		buildlog.Log(r.Context()).Error().Err(err).Msg("Failed to encode response")
	}
}

type pushResponse struct {
	Status string `json:"status"`
	Run    string `json:"run,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePush(rw http.ResponseWriter, r *http.Request) {
	var event PushEvent
	body := http.MaxBytesReader(rw, r.Body, MaxPushSize)
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(rw, r, status, pushResponse{Status: "invalid", Reason: err.Error()})
		return
	}

	logger := buildlog.Log(r.Context())
	if !s.Pipeline.Triggers(event.Ref) {
		logger.Info().Msgf("ignoring push to %s", event.Ref)
		writeJSON(rw, r, http.StatusAccepted, pushResponse{
			Status: "skipped",
			Reason: "pipeline only runs for pushes to " + s.Pipeline.Branch,
		})
		return
	}

	run := s.Start(event)
	logger.Info().Str("run", run.ID).Msgf("push to %s (%s) started a run", event.Ref, event.After)
	writeJSON(rw, r, http.StatusAccepted, pushResponse{Status: "started", Run: run.ID})
}

// Start registers a new run for event and executes it in the background
func (s *Server) Start(event PushEvent) *runner.Run {
	run := runner.NewRun(event.Ref, s.Jobs)
	run.Commit = event.After

	s.lock.Lock()
	s.runs[run.ID] = run
	s.lock.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// The pipeline result is already logged by the executor; the status endpoint reports it.
		_ = s.Executor.Execute(s.ctx, run)
	}()

	return run
}

// Run looks up a run by its id
func (s *Server) Run(id string) (*runner.Run, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	run, ok := s.runs[id]
	return run, ok
}

func (s *Server) handleRun(rw http.ResponseWriter, r *http.Request) {
	run, ok := s.Run(mux.Vars(r)["id"])
	if !ok {
		writeJSON(rw, r, http.StatusNotFound, pushResponse{Status: "unknown run"})
		return
	}

	writeJSON(rw, r, http.StatusOK, run.Status())
}

func (s *Server) handleRuns(rw http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	result := make([]runner.RunStatus, 0, len(s.runs))
	for _, run := range s.runs {
		result = append(result, run.Status())
	}
	s.lock.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Started.After(result[j].Started)
	})
	writeJSON(rw, r, http.StatusOK, result)
}

// Wait blocks until every background run finished
func (s *Server) Wait() {
	s.wg.Wait()
}

// ListenAndServe serves the webhook on address until ctx is cancelled. Runs in progress are awaited
// before it returns.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	srv := http.Server{
		Handler:      s.Handler(),
		Addr:         address,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	buildlog.Log(ctx).Info().Msgf("Listening on %s", address)

	select {
	case err := <-errs:
		return eris.Wrapf(err, "Failed to listen on %s", address)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	if err != nil {
		return eris.Wrap(err, "Failed to stop server")
	}
	return nil
}
