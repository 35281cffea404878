// Package selection picks the provider instance that serves a template.
package selection

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/seantiz/fleetbroker/internal/capability"
	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/provider"
)

// ErrNoProviderAvailable is returned when no candidate can serve the template.
var ErrNoProviderAvailable = errors.New("no provider available")

// Policy is a provider selection strategy.
type Policy string

// Selection policy constants.
const (
	FirstAvailable     Policy = "FIRST_AVAILABLE"
	RoundRobin         Policy = "ROUND_ROBIN"
	WeightedRoundRobin Policy = "WEIGHTED_ROUND_ROBIN"
)

// ParsePolicy resolves a policy name case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case FirstAvailable, RoundRobin, WeightedRoundRobin:
		return p, nil
	}
	return "", fmt.Errorf("unknown selection policy %q", s)
}

// Result describes the chosen provider instance.
type Result struct {
	ProviderType provider.Type     `json:"provider_type"`
	ProviderName string            `json:"provider_name"`
	Reason       string            `json:"reason"`
	Confidence   float64           `json:"confidence"`
	Validation   capability.Result `json:"validation"`
}

// Selector chooses among provider instances. The round-robin cursor and the
// weighted random source are shared by all callers.
type Selector struct {
	validator *capability.Validator
	cursor    atomic.Uint64

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand sets the random source used by WEIGHTED_ROUND_ROBIN.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) { s.rnd = r }
}

// NewSelector creates a Selector.
func NewSelector(v *capability.Validator, opts ...Option) *Selector {
	s := &Selector{
		validator: v,
		rnd:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	cfg provider.InstanceConfig
	res capability.Result
}

// Select picks a provider instance for tmpl from candidates, which are in
// configured order. Neither the template nor the candidates are modified.
func (s *Selector) Select(tmpl *model.Template, candidates []provider.InstanceConfig, policy Policy) (Result, error) {
	var eligible []candidate
	var rejected []string
	for _, cfg := range candidates {
		if !cfg.Enabled {
			continue
		}
		res := s.validator.Validate(tmpl, cfg)
		if !res.Valid {
			rejected = append(rejected, fmt.Sprintf("%s: %s", cfg.Name, strings.Join(res.Errors, "; ")))
			continue
		}
		eligible = append(eligible, candidate{cfg: cfg, res: res})
	}

	if tmpl.ProviderName != "" {
		c, ok := lo.Find(eligible, func(c candidate) bool { return c.cfg.Name == tmpl.ProviderName })
		if !ok {
			return Result{}, fmt.Errorf("%w: template %s is pinned to %s, which cannot serve it", ErrNoProviderAvailable, tmpl.ID, tmpl.ProviderName)
		}
		return result(c, "template pinned", 1.0), nil
	}

	if len(eligible) == 0 {
		if len(rejected) > 0 {
			return Result{}, fmt.Errorf("%w for template %s: %s", ErrNoProviderAvailable, tmpl.ID, strings.Join(rejected, " | "))
		}
		return Result{}, fmt.Errorf("%w for template %s", ErrNoProviderAvailable, tmpl.ID)
	}

	switch policy {
	case RoundRobin:
		n := s.cursor.Add(1) - 1
		c := eligible[n%uint64(len(eligible))]
		return result(c, "round robin", 1.0/float64(len(eligible))), nil
	case WeightedRoundRobin:
		return s.weighted(tmpl, eligible)
	default:
		return result(eligible[0], "first available", confidence(eligible[0].res)), nil
	}
}

// weighted draws one candidate with probability proportional to its weight.
func (s *Selector) weighted(tmpl *model.Template, eligible []candidate) (Result, error) {
	weighted := lo.Filter(eligible, func(c candidate, _ int) bool { return c.cfg.Weight > 0 })
	if len(weighted) == 0 {
		return Result{}, fmt.Errorf("%w for template %s: no candidate has a positive weight", ErrNoProviderAvailable, tmpl.ID)
	}

	total := lo.SumBy(weighted, func(c candidate) int { return c.cfg.Weight })

	s.mu.Lock()
	draw := s.rnd.IntN(total)
	s.mu.Unlock()

	for _, c := range weighted {
		if draw < c.cfg.Weight {
			return result(c, "weighted round robin", float64(c.cfg.Weight)/float64(total)), nil
		}
		draw -= c.cfg.Weight
	}
	// Unreachable: draw < total.
	last := weighted[len(weighted)-1]
	return result(last, "weighted round robin", float64(last.cfg.Weight)/float64(total)), nil
}

func result(c candidate, reason string, conf float64) Result {
	return Result{
		ProviderType: c.cfg.Type,
		ProviderName: c.cfg.Name,
		Reason:       reason,
		Confidence:   conf,
		Validation:   c.res,
	}
}

// confidence lowers the score for candidates that validated with warnings.
func confidence(res capability.Result) float64 {
	return 1.0 / float64(1+len(res.Warnings))
}
