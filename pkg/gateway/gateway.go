package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// Purpose tags what a model call is for; routing branches on it.
type Purpose string

const (
	PurposeClassify Purpose = "classify"
	PurposePlan     Purpose = "plan"
	PurposeCodeGen  Purpose = "code_gen"
	PurposeAudit    Purpose = "audit"
	PurposeSummary  Purpose = "summary"
	PurposeGeneral  Purpose = "general"
)

// Request describes one model call.
type Request struct {
	Purpose    Purpose
	Complexity types.Complexity
	Prompt     string
	System     string
	MaxTokens  int64
	Thinking   bool
	TaskID     string
}

// UsageStore is the slice of storage the gateway needs for budget
// checks and accounting.
type UsageStore interface {
	RecordUsage(rec *types.UsageRecord) error
	SpendSince(since time.Time) (float64, error)
}

// Config holds gateway settings.
type Config struct {
	APIKey           string
	RemoteModel      string
	RemoteModelHeavy string
	LocalModel       string
	OllamaURL        string
	MaxRetries       int
	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
	// SoftFraction of the daily budget after which low-complexity
	// purposes are pushed to the local model.
	SoftFraction float64
	// RAMRoutePct: local routing requires RAM below this.
	RAMRoutePct float64
}

// Gateway routes model calls between the remote provider and the
// local Ollama instance, enforcing the spend budget and retry policy.
type Gateway struct {
	cfg    Config
	store  UsageStore
	remote remoteCaller
	local  *ollamaClient

	// ramUsedPercent is swappable for tests.
	ramUsedPercent func() (float64, error)
}

// New creates a Gateway.
func New(cfg Config, store UsageStore, ramProbe func() (float64, error)) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SoftFraction <= 0 {
		cfg.SoftFraction = 0.70
	}
	if cfg.RAMRoutePct <= 0 {
		cfg.RAMRoutePct = 75
	}
	return &Gateway{
		cfg:            cfg,
		store:          store,
		remote:         newAnthropicClient(cfg.APIKey),
		local:          newOllamaClient(cfg.OllamaURL),
		ramUsedPercent: ramProbe,
	}
}

// Call routes and executes one model call, returning the response
// text. Every remote call is budget-checked first and accounted after.
func (g *Gateway) Call(ctx context.Context, req Request) (string, error) {
	// Every caller is expected to bound its calls; a missing deadline
	// means a pipeline stage could hang the coordinator slot forever.
	if _, ok := ctx.Deadline(); !ok {
		log.WithComponent("gateway").Error().
			Str("purpose", string(req.Purpose)).
			Msg("Call without context deadline, caller must set one")
	}

	tier, model := g.selectModel(req.Purpose, req.Complexity)

	log.WithComponent("gateway").Info().
		Str("purpose", string(req.Purpose)).
		Str("complexity", string(req.Complexity)).
		Str("tier", string(tier)).
		Str("model", model).
		Msg("Routed model call")

	if tier == types.ModelTierLocal {
		text, err := g.local.generate(ctx, model, req.System, req.Prompt)
		if err == nil && text != "" {
			g.record(req, types.ModelTierLocal, model, tokenUsage{})
			return text, nil
		}
		log.WithComponent("gateway").Warn().Err(err).
			Msg("Local model failed, falling back to remote")
		model = g.cfg.RemoteModel
	}

	return g.callRemote(ctx, req, model)
}

// selectModel applies the routing rules in priority order.
func (g *Gateway) selectModel(purpose Purpose, complexity types.Complexity) (types.ModelTier, string) {
	// Audit always crosses models: the reviewer must not share the
	// generator's blind spots.
	if purpose == PurposeAudit {
		return types.ModelTierRemote, g.cfg.RemoteModelHeavy
	}
	if purpose == PurposeCodeGen {
		return types.ModelTierRemote, g.cfg.RemoteModel
	}

	routable := purpose == PurposeClassify || purpose == PurposePlan

	// Budget escalation beats complexity routing.
	if routable && g.dailySpendOver(g.cfg.SoftFraction) && g.local.available() {
		return types.ModelTierLocal, g.cfg.LocalModel
	}

	if routable && complexity == types.ComplexityLow &&
		g.local.available() && g.ramBelow(g.cfg.RAMRoutePct) {
		return types.ModelTierLocal, g.cfg.LocalModel
	}

	return types.ModelTierRemote, g.cfg.RemoteModel
}

func (g *Gateway) ramBelow(pct float64) bool {
	if g.ramUsedPercent == nil {
		return false
	}
	used, err := g.ramUsedPercent()
	if err != nil {
		// Unknown RAM state: stay remote.
		return false
	}
	return used < pct
}

func (g *Gateway) dailySpendOver(fraction float64) bool {
	if g.cfg.DailyBudgetUSD <= 0 {
		return false
	}
	spend, err := g.store.SpendSince(utcMidnight(time.Now()))
	if err != nil {
		log.WithComponent("gateway").Warn().Err(err).Msg("Daily spend query failed")
		return false
	}
	return spend > g.cfg.DailyBudgetUSD*fraction
}

// checkBudget enforces the hard daily and monthly caps.
func (g *Gateway) checkBudget() error {
	now := time.Now()
	checks := []struct {
		label string
		since time.Time
		limit float64
	}{
		{"daily", utcMidnight(now), g.cfg.DailyBudgetUSD},
		{"monthly", now.Add(-30 * 24 * time.Hour), g.cfg.MonthlyBudgetUSD},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		spend, err := g.store.SpendSince(c.since)
		if err != nil {
			log.WithComponent("gateway").Warn().Err(err).Msg("Budget check failed, allowing call")
			continue
		}
		if spend >= c.limit {
			return types.NewTaskError(types.ErrKindBudget,
				fmt.Sprintf("%s budget exceeded: $%.2f >= $%.2f limit", c.label, spend, c.limit), nil)
		}
	}
	return nil
}

func (g *Gateway) record(req Request, tier types.ModelTier, model string, usage tokenUsage) {
	rec := &types.UsageRecord{
		Timestamp:      float64(time.Now().UnixNano()) / 1e9,
		Model:          model,
		Tier:           tier,
		Stage:          string(req.Purpose),
		InputTokens:    usage.input,
		OutputTokens:   usage.output,
		ThinkingTokens: usage.thinking,
		CostUSD:        0,
		TaskID:         req.TaskID,
	}
	if tier == types.ModelTierRemote {
		// Thinking is already inside the billed output tokens.
		rec.CostUSD = costOf(model, usage.input, usage.output)
	}
	if err := g.store.RecordUsage(rec); err != nil {
		log.WithComponent("gateway").Warn().Err(err).Msg("Failed to persist usage record")
	}
}

// LocalHealthy reports local model reachability for the health command.
func (g *Gateway) LocalHealthy() (bool, []string) {
	return g.local.healthy()
}
