// Command orchestratord boots the Task Orchestrator as a standalone HTTP
// server: it loads process configuration, wires the twelve components of
// §2 against either in-memory or durable backends, registers the
// "default-task" workflow template the Task Intake API dispatches every
// /orchestrate submission onto, and serves §6.1's HTTP surface until an
// interrupt signal arrives.
//
// Flag and signal-handling shape follows example/cmd/assistant/main.go:
// flags configure the listener, a signal handler cancels a context on
// SIGINT/SIGTERM, and the main goroutine waits on an error channel before
// tearing down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/taskorch/orchestrator/agentrpc"
	"github.com/taskorch/orchestrator/api"
	"github.com/taskorch/orchestrator/decision"
	"github.com/taskorch/orchestrator/eventbus"
	eventbusinmem "github.com/taskorch/orchestrator/eventbus/inmem"
	redisbus "github.com/taskorch/orchestrator/eventbus/redisbus"
	"github.com/taskorch/orchestrator/eventstore"
	eventstoreinmem "github.com/taskorch/orchestrator/eventstore/inmem"
	"github.com/taskorch/orchestrator/eventstore/mongostore"
	"github.com/taskorch/orchestrator/hitl"
	hitlinmem "github.com/taskorch/orchestrator/hitl/inmem"
	"github.com/taskorch/orchestrator/intake"
	"github.com/taskorch/orchestrator/internal/config"
	"github.com/taskorch/orchestrator/internal/telemetry"
	"github.com/taskorch/orchestrator/llmclient"
	"github.com/taskorch/orchestrator/llmclient/bedrock"
	"github.com/taskorch/orchestrator/lock"
	lockinmem "github.com/taskorch/orchestrator/lock/inmem"
	"github.com/taskorch/orchestrator/lock/redislock"
	"github.com/taskorch/orchestrator/registry"
	"github.com/taskorch/orchestrator/registry/federation"
	registryinmem "github.com/taskorch/orchestrator/registry/inmem"
	"github.com/taskorch/orchestrator/registry/redisregistry"
	"github.com/taskorch/orchestrator/risk"
	sessioninmem "github.com/taskorch/orchestrator/session/inmem"
	"github.com/taskorch/orchestrator/statestore"
	statestoreinmem "github.com/taskorch/orchestrator/statestore/inmem"
	"github.com/taskorch/orchestrator/statestore/redisstore"
	"github.com/taskorch/orchestrator/toolselector"
	"github.com/taskorch/orchestrator/toolselector/staticcatalog"
	"github.com/taskorch/orchestrator/webhook"
	"github.com/taskorch/orchestrator/workflow"
	"github.com/taskorch/orchestrator/workflow/inmemengine"
)

// Exit codes per spec.md §6.7.
const (
	exitOK               = 0
	exitConfigError      = 64
	exitIntegrityFailure = 70
	exitStoreUnavailable = 75
)

func main() {
	var (
		configPathF  = flag.String("config", "", "path to the orchestrator's YAML config file (defaults baked in when empty)")
		addrF        = flag.String("addr", "", "HTTP listen address (overrides config http.addr)")
		storeF       = flag.String("store-backend", "memory", "backend for locks/registry/event-bus correlation/state store: memory | redis")
		eventsF      = flag.String("event-backend", "memory", "backend for the Event Store: memory | mongo")
		dbgF         = flag.Bool("debug", false, "enable debug logging and request/response payload logs")
		seedAgentID  = flag.String("seed-agent-id", "", "if set, pre-registers one agent in the registry at boot (demo convenience)")
		seedAgentURL = flag.String("seed-agent-endpoint", "", "base endpoint for -seed-agent-id")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := config.Default()
	if *configPathF != "" {
		loaded, err := config.Load(*configPathF)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "config_path", V: *configPathF})
			os.Exit(exitConfigError)
		}
		cfg = loaded
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}

	logger := telemetry.NewClueLogger()

	locks, dir, bus, states, err := buildCoordinationBackends(ctx, *storeF, cfg)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "backend", V: *storeF})
		os.Exit(exitStoreUnavailable)
	}

	events, err := buildEventStore(ctx, *eventsF, cfg)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "backend", V: *eventsF})
		os.Exit(exitStoreUnavailable)
	}

	if *seedAgentID != "" && *seedAgentURL != "" {
		if err := dir.Register(ctx, registry.Agent{
			AgentID:      *seedAgentID,
			Endpoint:     *seedAgentURL,
			Capabilities: []string{"general"},
		}); err != nil {
			log.Error(ctx, fmt.Errorf("seed agent registration: %w", err))
		}
	}

	riskTable, err := loadRiskTable(cfg)
	if err != nil {
		log.Error(ctx, err)
		os.Exit(exitConfigError)
	}
	assessor := risk.New(riskTable)

	catalog, err := loadToolCatalog(cfg)
	if err != nil {
		log.Error(ctx, err)
		os.Exit(exitConfigError)
	}
	selector := toolselector.New(catalog, nil, nil)

	llm, err := buildLLMClient(ctx, cfg)
	if err != nil {
		// The LLM provider is an external non-goal collaborator (spec.md §1);
		// its absence only disables the decision node's LLM-fallback tier and
		// the intake classifier's LLM tier, not boot.
		log.Print(ctx, log.KV{K: "llm_disabled", V: err.Error()})
	}

	decisions := decision.New(llm, cfg.LLM.DecisionModel)
	decisions.RegisterRule("risk-gate", riskGateRule(assessor))

	hitlStore := hitlinmem.New()
	notifier := workflow.NewLateBoundNotifier()
	approvals := hitl.New(hitlStore, notifier, cfg.RoleAuthorization)

	secrets := webhook.NewStaticSecrets(cfg.WebhookSecrets)
	ingress := webhook.New(secrets, time.Duration(cfg.ReplayRejectSeconds)*time.Second)

	// server is constructed before the Orchestrator it depends on so that
	// agentrpc.WithInvocationSink can capture server.RecordTokenUsage as the
	// token-metrics sink every agent invocation reports through; SetOrchestrator
	// closes the cycle once orch exists.
	server := api.New(api.Dependencies{
		Events:    events,
		States:    states,
		Approvals: approvals,
		Risk:      assessor,
		Webhooks:  ingress,
		Logger:    logger,
	})

	agentClient := agentrpc.New(dir, agentrpc.PolicyFromConfig(cfg.RetryPolicy),
		agentrpc.WithToolSelector(selector),
		agentrpc.WithLogger(logger),
		agentrpc.WithRateLimit(20, 5),
		agentrpc.WithInvocationSink(server.RecordTokenUsage))

	eng := inmemengine.New()
	orch := workflow.New(eng, workflow.Dependencies{
		Agents:         agentClient,
		Decisions:      decisions,
		Approvals:      approvals,
		Locks:          locks,
		Events:         events,
		States:         states,
		CancelNotifier: workflow.NewEventBusCancelNotifier(bus),
	})
	notifier.Bind(orch)
	server.SetOrchestrator(orch)

	if err := orch.RegisterTemplate(defaultTaskTemplate()); err != nil {
		log.Error(ctx, err)
		os.Exit(exitConfigError)
	}
	if err := orch.RegisterActivities(ctx); err != nil {
		log.Error(ctx, err)
		os.Exit(exitConfigError)
	}

	sessions := sessioninmem.New()
	classifier := intake.NewTwoTierClassifier(llm, cfg.LLM.IntakeModel)
	server.SetIntake(intake.New(intake.Dependencies{
		Sessions:  sessions,
		Classify:  classifier,
		Submitter: server,
		States:    states,
		Approvals: approvals,
		Logger:    logger,
	}))

	heartbeat := time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	registry.StartSweeper(ctx, dir, heartbeat, func(swept []string) {
		if len(swept) > 0 {
			log.Print(ctx, log.KV{K: "agents_offline", V: swept})
		}
	})
	approvals.StartExpirySweeper(ctx, 60*time.Second)
	if sweeper, ok := locks.(interface{ StartSweeper(context.Context, time.Duration) }); ok {
		sweeper.StartSweeper(ctx, 5*time.Second)
	}

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: server}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	cause := <-errc
	log.Print(ctx, log.KV{K: "shutting_down", V: cause.Error()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	os.Exit(exitOK)
}

// riskGateRule adapts the Risk Assessor into the "risk-gate" decision rule
// a template's decision node can route on: "escalate" for any level
// risk.RequiresApproval reports (medium and above), the default edge otherwise.
func riskGateRule(assessor risk.Assessor) decision.RuleFunc {
	return func(ctx context.Context, req workflow.DecisionRequest) (string, error) {
		env, _ := req.State["environment"].(string)
		kind, _ := req.State["operation_kind"].(string)
		level, err := assessor.Assess(ctx, risk.Operation{Kind: kind, Environment: env})
		if err != nil {
			return "", err
		}
		if risk.RequiresApproval(level) {
			return "escalate", nil
		}
		return "", nil
	}
}

// defaultTaskTemplate is the workflow graph every /orchestrate and /chat
// task_submission intent runs through: plan the work, risk-gate it,
// optionally suspend for human approval, execute, then verify. Declared
// here rather than loaded from a template store since spec.md has no
// template-authoring surface of its own (§9: "the source references a
// supervisor routing agent and a heuristic router; the spec treats the
// router as a decision node").
func defaultTaskTemplate() workflow.Template {
	return workflow.Template{
		Name:      "default-task",
		EntryNode: "plan",
		Nodes: map[string]workflow.Node{
			"plan": {
				ID:        "plan",
				Kind:      workflow.NodeAgent,
				AgentName: "planner",
				ToolTags:  []string{"planning"},
				Next:      "risk_gate",
				Retry: workflow.RetryPolicy{
					MaxAttempts: 3,
					Backoff:     workflow.Backoff{Base: 500 * time.Millisecond, Cap: 5 * time.Second, Jitter: 0.2},
					RetryOn:     []string{workflow.ErrClassTimeout, workflow.ErrClassUnavailable},
				},
			},
			"risk_gate": {
				ID:           "risk_gate",
				Kind:         workflow.NodeDecision,
				DecisionRule: "risk-gate",
				Routes: workflow.EdgeTable{
					Edges:   map[string]string{"escalate": "await_approval"},
					Default: "execute",
				},
			},
			"await_approval": {
				ID:                "await_approval",
				Kind:              workflow.NodeApproval,
				ApprovalSummary:   "High-risk task awaiting operator approval",
				ApprovalRiskLevel: string(risk.LevelHigh),
				ApprovalTTL:       2 * time.Hour,
				Next:              "execute",
			},
			"execute": {
				ID:           "execute",
				Kind:         workflow.NodeAgent,
				AgentName:    "executor",
				ToolTags:     []string{"execution"},
				Next:         "verify",
				RollbackStep: "rollback",
				Needs:        []string{"deploy:orchestrator"},
				Retry: workflow.RetryPolicy{
					MaxAttempts: 2,
					Backoff:     workflow.Backoff{Base: time.Second, Cap: 10 * time.Second, Jitter: 0.2},
					RetryOn:     []string{workflow.ErrClassTimeout, workflow.ErrClassUnavailable},
				},
			},
			"verify": {
				ID:        "verify",
				Kind:      workflow.NodeAgent,
				AgentName: "verifier",
				ToolTags:  []string{"verification"},
			},
			"rollback": {
				ID:        "rollback",
				Kind:      workflow.NodeAgent,
				AgentName: "executor",
				ToolTags:  []string{"execution", "rollback"},
			},
		},
	}
}

func loadRiskTable(cfg *config.Config) (risk.Table, error) {
	if cfg.RiskRulesPath != "" {
		return risk.LoadTable(cfg.RiskRulesPath)
	}
	// Default rule table mirrors spec.md §4.7's worked examples directly.
	return risk.Table{
		Rules: []risk.Rule{
			{Kind: "delete", Environment: "production", Level: risk.LevelCritical},
			{Tag: "secret_modification", Level: risk.LevelCritical},
			{Tag: "sensitive_export", Level: risk.LevelCritical},
			{Kind: "deploy", Environment: "production", Level: risk.LevelHigh},
			{Kind: "infrastructure_mutation", Level: risk.LevelHigh},
			{Tag: "main_branch_merge", Level: risk.LevelHigh},
			{Kind: "deploy", Environment: "staging", Level: risk.LevelMedium},
			{Kind: "code_change", Level: risk.LevelMedium},
			{Environment: "development", Level: risk.LevelLow},
		},
		Default: risk.LevelLow,
	}, nil
}

// loadToolCatalog builds the static config-loaded catalog and, when
// FederationPeers names any peer registries, unions in a federation.Client
// catalog per peer so the Tool Selector's role/keyword/semantic/budget
// pipeline runs over the combined set. A peer that fails to dial is a boot
// failure rather than a silent degradation, matching the other backend
// construction paths in buildCoordinationBackends.
func loadToolCatalog(cfg *config.Config) (toolselector.Catalog, error) {
	var static toolselector.Catalog
	var err error
	if cfg.ToolCatalogPath != "" {
		static, err = staticcatalog.Load(cfg.ToolCatalogPath)
	} else {
		static = staticcatalog.New(nil)
	}
	if err != nil {
		return nil, err
	}
	if len(cfg.FederationPeers) == 0 {
		return static, nil
	}
	union := toolselector.UnionCatalog{static}
	for _, addr := range cfg.FederationPeers {
		cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("tool catalog: dial federation peer %s: %w", addr, err)
		}
		union = append(union, federation.NewClient(cc).AsCatalog())
	}
	return union, nil
}

func buildLLMClient(ctx context.Context, cfg *config.Config) (llmclient.Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return llmclient.NewFromAPIKey(cfg.LLM.AnthropicAPIKey, cfg.LLM.DecisionModel)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.LLM.BedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("llm.provider bedrock: load AWS config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{
			DefaultModel: cfg.LLM.DecisionModel,
			MaxTokens:    1024,
			Temperature:  0,
		})
	case "":
		return nil, errors.New("llm.provider not configured")
	default:
		return nil, fmt.Errorf("llm.provider %q is not a recognized provider (anthropic, bedrock)", cfg.LLM.Provider)
	}
}

func buildCoordinationBackends(ctx context.Context, backend string, cfg *config.Config) (lock.Manager, registry.Directory, eventbus.Bus, statestore.Store, error) {
	switch backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		return redislock.New(rdb), redisregistry.New(rdb), redisbus.New(rdb), redisstore.New(rdb), nil
	case "memory", "":
		return lockinmem.New(), registryinmem.New(), eventbusinmem.New(), statestoreinmem.New(), nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store-backend %q", backend)
	}
}

func buildEventStore(ctx context.Context, backend string, cfg *config.Config) (eventstore.Store, error) {
	switch backend {
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect %s: %w", cfg.Mongo.URI, err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("mongo ping %s: %w", cfg.Mongo.URI, err)
		}
		store := mongostore.New(client.Database(cfg.Mongo.Database))
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo ensure indexes: %w", err)
		}
		return store, nil
	case "memory", "":
		return eventstoreinmem.New(), nil
	default:
		return nil, fmt.Errorf("unknown event-backend %q", backend)
	}
}
