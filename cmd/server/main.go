package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof profiling endpoints
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"workflowengine/internal/concurrency"
	"workflowengine/internal/config"
	"workflowengine/internal/connector"
	"workflowengine/internal/execgraph"
	"workflowengine/internal/idempotency"
	"workflowengine/internal/metrics"
	"workflowengine/internal/obslog"
	"workflowengine/internal/orchestrator"
	"workflowengine/internal/retry"
	"workflowengine/internal/sandbox"
	"workflowengine/internal/store"
)

// workflowRegistry is an in-process WorkflowLoader: clients register a
// compiled graph once and trigger executions against it by id. A durable
// workflow-definition CRUD surface is out of scope (§1 Non-goals); this
// engine only needs read access to the graph it walks.
type workflowRegistry struct {
	mu     sync.RWMutex
	graphs map[string]*execgraph.Graph
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{graphs: make(map[string]*execgraph.Graph)}
}

func (w *workflowRegistry) Register(g *execgraph.Graph) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.graphs[g.ID] = g
}

func (w *workflowRegistry) Load(workflowID string) (*execgraph.Graph, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	g, ok := w.graphs[workflowID]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflowID)
	}
	return g, nil
}

// Server wires together the engine's components behind a small HTTP
// surface, mirroring the teacher's single-binary Server struct.
type Server struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	workflows    *workflowRegistry
	tokens       *orchestrator.CallbackTokens
	sweeper      *orchestrator.TimerSweeper
	maintenance  *orchestrator.MaintenanceSweeper
	errorRing    *retry.ErrorRing
	port         int
}

// EnqueueExecutionRequest is the HTTP payload for submitting a workflow
// graph for execution.
type EnqueueExecutionRequest struct {
	WorkflowID     string                 `json:"workflowId"`
	OrganizationID string                 `json:"organizationId"`
	UserID         string                 `json:"userId,omitempty"`
	TriggerType    string                 `json:"triggerType"`
	TriggerData    map[string]interface{} `json:"triggerData,omitempty"`
	Graph          *execgraph.Graph       `json:"graph,omitempty"`
}

// EnqueueExecutionResponse reports the assigned execution id.
type EnqueueExecutionResponse struct {
	ExecutionID string `json:"executionId"`
}

// CallbackRequest is the payload an external signal posts to resume a
// suspended node (§4.5.5, §6's POST /executions/{id}/callbacks/{tokenId}).
type CallbackRequest struct {
	Output map[string]interface{} `json:"output,omitempty"`
}

func NewServer(cfg *config.Config, port int) (*Server, error) {
	if dbPath := cfg.Storage.Database.Path; dbPath != "" {
		os.Setenv("WORKFLOWENGINE_DB_PATH", dbPath)
	}
	st, err := store.NewSQLiteStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	idemp := idempotency.New(idempotency.NewStoreBackend(st))
	breakers := retry.NewBreakers(5, 30*time.Second)

	policy := retry.RetryPolicy{
		MaxAttempts:       cfg.Execution.MaxRetries,
		InitialDelay:      time.Duration(cfg.Execution.RetryDelayMs) * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Duration(cfg.Execution.MaxRetryDelayMs) * time.Millisecond,
		JitterFraction:    0.25,
		MinDelay:          100 * time.Millisecond,
	}

	registry := connector.NewRegistry()
	registerBuiltins(registry)

	sandboxExecutor := cfg.Sandbox.Executor
	if sandboxExecutor == "process" {
		sandboxExecutor = "subprocess"
	}
	var supervisor *sandbox.Supervisor
	if runtimeCmd := os.Getenv("SANDBOX_RUNTIME_COMMAND"); runtimeCmd != "" {
		supervisor, err = sandbox.NewSupervisor(sandbox.Config{
			Executor: sandboxExecutor,
			Subprocess: sandbox.SubprocessConfig{
				RuntimeCommand: runtimeCmd,
				CgroupRoot:     cfg.Sandbox.CgroupRoot,
			},
		})
		if err != nil {
			log.Printf("sandbox supervisor disabled: %v", err)
			supervisor = nil
		}
	} else {
		log.Printf("SANDBOX_RUNTIME_COMMAND not set; sandboxed nodes will fail at dispatch")
	}

	connLimiters := concurrency.NewRateLimiterManager(cfg.Execution.TenantConcurrency * 10)
	tenantLimiters := concurrency.NewRateLimiterManager(cfg.Execution.TenantConcurrency)
	admission := orchestrator.NewAdmission(st, connLimiters)

	errorRing := retry.NewErrorRing(1000)

	locks, err := concurrency.NewLockManager(&concurrency.Config{
		LockProvider:  cfg.Lock.Provider,
		EtcdEndpoints: cfg.Lock.Etcd.Endpoints,
		RedisAddr:     cfg.Lock.Redis.Address,
		LockTimeout:   cfg.Execution.LockDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize lock manager: %w", err)
	}

	runner := &orchestrator.NodeRunner{
		Store:                  st,
		Idempotency:            idemp,
		Breakers:               breakers,
		RetryPolicy:            policy,
		Sandbox:                supervisor,
		Connectors:             registry,
		GenericExecutorEnabled: cfg.Queue.GenericExecutorEnabled,
		ErrorRing:              errorRing,
	}

	workflows := newWorkflowRegistry()

	orch := &orchestrator.Orchestrator{
		Queue:              orchestrator.NewInMemoryQueue(),
		Store:              st,
		Admission:          admission,
		Runner:             runner,
		Workflows:          workflows,
		WorkerConcurrency:  cfg.Execution.WorkerConcurrency,
		LeaseDuration:      time.Duration(cfg.Execution.LockDurationMs) * time.Millisecond,
		LeaseRenewTime:     time.Duration(cfg.Execution.LockRenewMs) * time.Millisecond,
		HeartbeatInterval:  time.Duration(cfg.Execution.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatTimeout:   time.Duration(cfg.Execution.HeartbeatTimeoutMs) * time.Millisecond,
		HeartbeatPersistMs: time.Duration(cfg.Execution.HeartbeatPersistMs) * time.Millisecond,
		Region:             cfg.Queue.DataResidencyRegion,
		TenantLimiters:     tenantLimiters,
		Locks:              locks,
	}

	sweeper := &orchestrator.TimerSweeper{Store: st, Orchestrator: orch}
	tokens := &orchestrator.CallbackTokens{Store: st, Orchestrator: orch}
	maintenance := &orchestrator.MaintenanceSweeper{
		Store:       st,
		Idempotency: idemp,
		Breakers:    breakers,
		ErrorRing:   errorRing,
	}

	return &Server{
		store:        st,
		orchestrator: orch,
		workflows:    workflows,
		tokens:       tokens,
		sweeper:      sweeper,
		maintenance:  maintenance,
		errorRing:    errorRing,
		port:         port,
	}, nil
}

// registerBuiltins wires the node kinds every engine ships regardless of
// tenant-registered connectors — the "noop" builtin, which echoes its
// params back as output, for simple pass-through workflows.
func registerBuiltins(registry *connector.Registry) {
	registry.RegisterBuiltin("noop", func(ctx context.Context, req connector.Request) (*connector.Response, error) {
		return &connector.Response{Output: req.Params}, nil
	})
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	graph, err := execgraph.LoadJSON(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid graph: %v", err), http.StatusBadRequest)
		return
	}
	if graph.ID == "" {
		graph.ID = uuid.New().String()
	}

	s.workflows.Register(graph)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"workflowId": graph.ID})
}

func (s *Server) handleEnqueueExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EnqueueExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.OrganizationID == "" {
		http.Error(w, "organizationId is required", http.StatusBadRequest)
		return
	}

	graph := req.Graph
	if graph == nil {
		loaded, err := s.workflows.Load(req.WorkflowID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		graph = loaded
	} else {
		if graph.ID == "" {
			graph.ID = req.WorkflowID
		}
		s.workflows.Register(graph)
	}

	executionID, err := s.orchestrator.Enqueue(r.Context(), orchestrator.EnqueueRequest{
		WorkflowID:     graph.ID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		Graph:          graph,
	})
	if err != nil {
		if admissionErr, ok := err.(*orchestrator.AdmissionError); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"code": admissionErr.Code, "message": admissionErr.Message})
			return
		}
		log.Printf("[Server] enqueue failed: %v", err)
		http.Error(w, fmt.Sprintf("Enqueue failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EnqueueExecutionResponse{ExecutionID: executionID})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(exec)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	resumeState := &orchestrator.ResumeState{PrevOutput: req.Output}
	if err := s.tokens.Consume(r.Context(), tokenID, resumeState, req.Output); err != nil {
		log.Printf("[Server] callback consume failed: %v", err)
		http.Error(w, fmt.Sprintf("Callback failed: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "resumed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleListErrors exposes the RetryManager's actionable-error ring (§4.2),
// filterable by any subset of executionId/nodeId/code/severity/since.
func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := retry.ErrorFilter{
		ExecutionID: q.Get("executionId"),
		NodeID:      q.Get("nodeId"),
		Code:        retry.ErrorCode(q.Get("code")),
		Severity:    q.Get("severity"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.errorRing.Query(filter))
}

func (s *Server) Start() error {
	ctx, cancelOrchestrator := context.WithCancel(context.Background())
	if err := s.orchestrator.Start(ctx); err != nil {
		cancelOrchestrator()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if err := s.sweeper.Start(); err != nil {
		cancelOrchestrator()
		return fmt.Errorf("failed to start timer sweeper: %w", err)
	}
	if err := s.maintenance.Start(); err != nil {
		cancelOrchestrator()
		return fmt.Errorf("failed to start maintenance sweeper: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/workflows", s.handleRegisterWorkflow)
	mux.HandleFunc("/executions", s.handleEnqueueExecution)
	mux.HandleFunc("/executions/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len("/executions/"):]
		if idx := strings.IndexByte(path, '/'); idx >= 0 && path[idx+1:] != "" {
			// /executions/{executionId}/callbacks/{tokenId}
			rest := path[idx+1:]
			const cbPrefix = "callbacks/"
			if len(rest) > len(cbPrefix) && rest[:len(cbPrefix)] == cbPrefix {
				s.handleCallback(w, r, rest[len(cbPrefix):])
				return
			}
			http.NotFound(w, r)
			return
		}
		s.handleGetExecution(w, r, path)
	})
	mux.HandleFunc("/errors", s.handleListErrors)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.GetMetricsHandler())

	addr := fmt.Sprintf(":%d", s.port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	log.Printf("Workflow engine server starting on %s", addr)
	log.Printf("Profiling endpoints available at http://localhost%s/debug/pprof/", addr)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down workflow engine server...")

		s.sweeper.Stop()
		s.maintenance.Stop()
		s.orchestrator.Stop()
		cancelOrchestrator()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	return httpServer.ListenAndServe()
}

func main() {
	port := flag.Int("port", 8080, "Workflow engine server port")
	configPath := flag.String("config", "", "Path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if dir := os.Getenv("WORKFLOWENGINE_LOG_DIR"); dir != "" {
		obslog.SetLogDir(dir)
	}

	server, err := NewServer(cfg, *port)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
