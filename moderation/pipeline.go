package moderation

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/pkg/metrics"
	"github.com/migadu/listd/rules"
)

// Pipeline evaluates a list's rules against a post.
type Pipeline struct {
	registry *rules.Registry
	resolver *Resolver
}

func NewPipeline(registry *rules.Registry) *Pipeline {
	return &Pipeline{registry: registry, resolver: NewResolver(registry)}
}

// Resolver returns the resolver used by the pipeline.
func (p *Pipeline) Resolver() *Resolver {
	return p.resolver
}

// Evaluate runs ml.Rules in order and resolves the hits. An unknown rule
// name fails the evaluation before any rule runs. A rule that errors or
// panics is logged, recorded as a fault and treated as a miss.
func (p *Pipeline) Evaluate(ctx context.Context, ml *mailinglist.MailingList, msg *rules.Message, meta *rules.Metadata) (Decision, error) {
	start := time.Now()

	chain := make([]rules.Rule, 0, len(ml.Rules))
	for _, name := range ml.Rules {
		rule, err := p.registry.Lookup(name)
		if err != nil {
			return Decision{}, fmt.Errorf("list %s: %w", ml.ListID, err)
		}
		chain = append(chain, rule)
	}

	for _, rule := range chain {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		hit, err := p.check(ctx, rule, ml, msg, meta)
		if err != nil {
			meta.Faults = append(meta.Faults, rules.Fault{Rule: rule.Name(), Error: err.Error()})
			meta.MissRules = append(meta.MissRules, rule.Name())
			metrics.RuleFaults.WithLabelValues(rule.Name()).Inc()
			logger.Warn("Moderation: rule fault", "list", ml.ListID, "rule", rule.Name(),
				"message_id", msg.MessageID, "error", err)
			continue
		}
		if !hit {
			meta.MissRules = append(meta.MissRules, rule.Name())
			continue
		}
		if !rule.Record() {
			continue
		}

		meta.HitRules = append(meta.HitRules, rule.Name())
		metrics.RuleHits.WithLabelValues(rule.Name()).Inc()

		if ml.HoldFirstMatch && p.resolver.ActionFor(rule.Name(), meta.Sender, ml).Moderates() {
			break
		}
	}

	decision := p.resolver.Resolve(meta.HitRules, meta.Sender, ml)
	if len(meta.Faults) > 0 {
		decision.Faults = meta.FaultCodes()
		decision.Reasons = append(decision.Reasons, decision.Faults...)
		if d := FromAction(ml.RuleFaultAction); d > decision.Disposition {
			decision.Disposition = d
		}
	}

	metrics.MessagesEvaluated.WithLabelValues(decision.Disposition.String()).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	logger.Debug("Moderation: evaluated", "list", ml.ListID, "message_id", msg.MessageID,
		"disposition", decision.Disposition.String(), "hits", decision.HitRules)
	return decision, nil
}

func (p *Pipeline) check(ctx context.Context, rule rules.Rule, ml *mailinglist.MailingList, msg *rules.Message, meta *rules.Metadata) (hit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Moderation: rule panicked", "rule", rule.Name(), "panic", r, "stack", string(debug.Stack()))
			hit, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Check(ctx, ml, msg, meta)
}
