// Package kernelwiring assembles one fully governed Orchestrator from
// pkg/config, shared between the cmd/quintet and cmd/quintet-stress
// entrypoints so both CLIs wire the same capability registry,
// constitutional invariants, and model fabric instead of drifting
// apart across two hand-copied main.go files.
package kernelwiring

import (
	"os"

	"github.com/quintet-kernel/quintet/pkg/capreg"
	"github.com/quintet-kernel/quintet/pkg/config"
	"github.com/quintet-kernel/quintet/pkg/constitutional"
	"github.com/quintet-kernel/quintet/pkg/debate"
	"github.com/quintet-kernel/quintet/pkg/detector"
	"github.com/quintet-kernel/quintet/pkg/llm"
	"github.com/quintet-kernel/quintet/pkg/llmfabric"
	"github.com/quintet-kernel/quintet/pkg/orchestrator"
	"github.com/quintet-kernel/quintet/pkg/producers"
	"github.com/quintet-kernel/quintet/pkg/receipts"
)

// Kernel bundles the orchestrator with the collaborators a CLI caller
// still needs direct access to (the receipt store for validation/
// promotion flows, the fabric for ad hoc calls).
type Kernel struct {
	Orchestrator *orchestrator.Orchestrator
	Fabric       *llmfabric.Fabric
	ReceiptStore *receipts.Store
}

// Build wires one Kernel from cfg, scoping the model fabric's receipts
// to episodeID. logPath/noLog follow the same override rules as
// cmd/quintet's --log/--no-log flags; pass logPath="" and noLog=false
// to use cfg.EpisodeLogPath unmodified.
func Build(cfg *config.Config, episodeID string, logPath string, noLog bool) (*Kernel, error) {
	store, err := receipts.New(cfg.ReceiptStorePath)
	if err != nil {
		return nil, err
	}

	enforcer, err := constitutional.New(store)
	if err != nil {
		return nil, err
	}
	if err := constitutional.RegisterStandardInvariants(enforcer, store); err != nil {
		return nil, err
	}

	capRegistry := capreg.NewRegistry()
	capRegistry.Register(capreg.Capability{Backend: "llmfabric", Name: "generate", Available: true})

	var episodeLog *orchestrator.EpisodeLog
	if !noLog {
		path := cfg.EpisodeLogPath
		if logPath != "" {
			path = logPath
		}
		episodeLog, err = orchestrator.NewEpisodeLog(path)
		if err != nil {
			return nil, err
		}
	}

	fabric := buildFabric(store)

	orch := orchestrator.New(
		producers.NewDetector(detector.New()),
		producers.NewParser(),
		producers.NewPlanner(),
		producers.NewExecutor(fabric, episodeID),
		producers.NewValidator(fabric, episodeID),
		capRegistry,
		enforcer,
		episodeLog,
	).WithReceiptStore(store)

	if cfg.DebateEnabled {
		orch = orch.WithDebateLoop(debate.NewLoopFromFabric(fabric, episodeID, 3))
	}

	return &Kernel{Orchestrator: orch, Fabric: fabric, ReceiptStore: store}, nil
}

// buildFabric registers the solver/validator-opinion/council-agent
// slots against a real OpenAI backend when OPENAI_API_KEY is set,
// falling back to the no-network echo backend otherwise so both CLIs
// still run end-to-end offline.
func buildFabric(store *receipts.Store) *llmfabric.Fabric {
	slotCfg := llmfabric.SlotConfig{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 2048}
	backends := map[string]llm.Client{}

	provider := "echo"
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		provider = "openai"
		backends["openai"] = llm.NewOpenAIClient(apiKey, "gpt-4o-mini")
	} else {
		backends["echo"] = llmfabric.EchoBackend{}
	}
	slotCfg.Provider = provider

	return llmfabric.New(llmfabric.Config{
		Slots: map[string]llmfabric.SlotConfig{
			producers.SolverSlot:  slotCfg,
			producers.OpinionSlot: slotCfg,
			"council_agent":       slotCfg,
		},
	}, backends, store)
}
