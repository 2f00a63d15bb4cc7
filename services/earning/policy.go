package earning

import (
	"fmt"

	"creator-earnings/pkg/celengine"
	"creator-earnings/pkg/config"
	"creator-earnings/pkg/money"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

// platformRoles never earn; sales of their content stay with the platform.
var platformRoles = map[string]bool{
	"admin":    true,
	"platform": true,
	"system":   true,
}

type commissionRule struct {
	name string
	when *celengine.Predicate
	rate decimal.Decimal
}

// Policy decides the commission rate of a sale and who is exempt from
// earning. Rules are CEL expressions tried in order; the first match wins,
// otherwise the per source type default applies.
type Policy struct {
	defaults          map[SourceType]decimal.Decimal
	rules             []commissionRule
	platformAccounts  map[string]bool
	milestoneInterval int64
	milestoneBonus    money.Cents
}

type RateInput struct {
	SourceType  SourceType
	CreatorRole string
	CreatorID   string
	Gross       money.Cents
}

func NewPolicy(cfg *config.Config) (*Policy, error) {
	e := cfg.Earnings

	productRate, err := money.ParseRate(e.ProductCommissionRate)
	if err != nil {
		return nil, fmt.Errorf("product commission rate: %w", err)
	}
	courseRate, err := money.ParseRate(e.CourseCommissionRate)
	if err != nil {
		return nil, fmt.Errorf("course commission rate: %w", err)
	}
	bonus, err := money.Parse(e.MilestoneBonus)
	if err != nil {
		return nil, fmt.Errorf("milestone bonus: %w", err)
	}
	if e.MilestoneInterval <= 0 {
		return nil, fmt.Errorf("milestone interval must be positive, got %d", e.MilestoneInterval)
	}

	p := &Policy{
		defaults: map[SourceType]decimal.Decimal{
			SourceProduct: productRate,
			SourceCourse:  courseRate,
		},
		platformAccounts:  map[string]bool{},
		milestoneInterval: e.MilestoneInterval,
		milestoneBonus:    bonus,
	}
	for _, id := range e.PlatformAccountIDs {
		p.platformAccounts[id] = true
	}

	if len(e.CommissionRules) == 0 {
		return p, nil
	}

	env, err := celengine.NewEnv(celengine.Vars{
		"source_type":  cel.StringType,
		"creator_role": cel.StringType,
		"creator_id":   cel.StringType,
		"gross_cents":  cel.IntType,
	})
	if err != nil {
		return nil, err
	}

	for _, r := range e.CommissionRules {
		pred, err := celengine.Compile(env, r.When)
		if err != nil {
			return nil, fmt.Errorf("commission rule %q: %w", r.Name, err)
		}
		rate, err := money.ParseRate(r.Rate)
		if err != nil {
			return nil, fmt.Errorf("commission rule %q: %w", r.Name, err)
		}
		p.rules = append(p.rules, commissionRule{name: r.Name, when: pred, rate: rate})
	}

	return p, nil
}

// IsPlatformOwner reports whether content of this owner earns nothing.
func (p *Policy) IsPlatformOwner(creatorID, role string) bool {
	return platformRoles[role] || p.platformAccounts[creatorID]
}

// Rate returns the commission rate for a sale and the rule that chose it.
func (p *Policy) Rate(in RateInput) (decimal.Decimal, string, error) {
	attrs := map[string]any{
		"source_type":  string(in.SourceType),
		"creator_role": in.CreatorRole,
		"creator_id":   in.CreatorID,
		"gross_cents":  int64(in.Gross),
	}

	for _, r := range p.rules {
		ok, err := r.when.Evaluate(attrs)
		if err != nil {
			return decimal.Zero, "", fmt.Errorf("commission rule %q: %w", r.name, err)
		}
		if ok {
			return r.rate, r.name, nil
		}
	}

	rate, ok := p.defaults[in.SourceType]
	if !ok {
		return decimal.Zero, "", fmt.Errorf("no commission rate for source type %q", in.SourceType)
	}
	return rate, "default", nil
}

func (p *Policy) MilestoneInterval() int64 {
	return p.milestoneInterval
}

func (p *Policy) MilestoneBonus() money.Cents {
	return p.milestoneBonus
}
