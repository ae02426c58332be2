package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RuleAction defines what happens when a rule matches.
type RuleAction string

const (
	ActionRoute    RuleAction = "route"    // Route to a specific provider
	ActionBlock    RuleAction = "block"    // Block the request
	ActionRedirect RuleAction = "redirect" // Redirect to a different model
	ActionFallback RuleAction = "fallback" // Use fallback chain
)

// ConditionOp defines condition comparison operators.
type ConditionOp string

const (
	OpEquals     ConditionOp = "eq"
	OpNotEquals  ConditionOp = "neq"
	OpContains   ConditionOp = "contains"
	OpStartsWith ConditionOp = "starts_with"
	OpGT         ConditionOp = "gt"
	OpLT         ConditionOp = "lt"
	OpGTE        ConditionOp = "gte"
	OpLTE        ConditionOp = "lte"
	OpIn         ConditionOp = "in"
	OpNotIn      ConditionOp = "not_in"
)

// Condition represents a single rule condition.
type Condition struct {
	Field    string      `json:"field"`    // e.g., "model", "team_id", "user_id", "hour", "token_estimate"
	Operator ConditionOp `json:"operator"` // e.g., "eq", "gt", "in"
	Value    interface{} `json:"value"`    // Comparison value
}

// Rule represents a routing rule.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Priority    int         `json:"priority"` // Lower = higher priority
	Enabled     bool        `json:"enabled"`
	Conditions  []Condition `json:"conditions"` // All conditions must match (AND)
	Action      RuleAction  `json:"action"`
	Target      string      `json:"target,omitempty"`     // Target provider or model
	Fallbacks   []string    `json:"fallbacks,omitempty"`  // Fallback providers (T094)
	MaxRetries  int         `json:"max_retries,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RoutingContext contains request metadata used for rule evaluation.
type RoutingContext struct {
	Model         string            `json:"model"`
	Provider      string            `json:"provider"`
	TeamID        string            `json:"team_id"`
	UserID        string            `json:"user_id"`
	TokenEstimate int               `json:"token_estimate"`
	MaxTokens     int               `json:"max_tokens"`
	IsFreeModel   bool              `json:"is_free_model"`
	Tags          map[string]string `json:"tags"`
	RequestTime   time.Time         `json:"request_time"`
}

// RoutingDecision is the result of rule evaluation.
type RoutingDecision struct {
	RuleID     string     `json:"rule_id"`
	RuleName   string     `json:"rule_name"`
	Action     RuleAction `json:"action"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model,omitempty"`
	Fallbacks  []string   `json:"fallbacks,omitempty"`
	Reason     string     `json:"reason"` // T098: why this rule matched
	EvalTimeNs int64      `json:"eval_time_ns"`
}

// Engine is the routing rule evaluation engine.
type Engine struct {
	mu     sync.RWMutex
	rules  []Rule
	logger zerolog.Logger
}

// NewEngine creates a new routing engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		rules:  make([]Rule, 0),
		logger: logger.With().Str("component", "routing-engine").Logger(),
	}
}

// AddRule adds a routing rule and re-sorts by priority.
func (e *Engine) AddRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.UpdatedAt = time.Now().UTC()

	e.rules = append(e.rules, rule)
	e.sortRulesLocked()
}

// UpdateRule updates an existing rule by ID.
func (e *Engine) UpdateRule(rule Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.ID == rule.ID {
			rule.CreatedAt = r.CreatedAt
			rule.UpdatedAt = time.Now().UTC()
			e.rules[i] = rule
			e.sortRulesLocked()
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", rule.ID)
}

// DeleteRule removes a rule by ID.
func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

// GetRule returns a rule by ID.
func (e *Engine) GetRule(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// ListRules returns all rules sorted by priority.
func (e *Engine) ListRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]Rule, len(e.rules))
	copy(result, e.rules)
	return result
}

// Evaluate processes rules against a routing context (T092).
// Returns the first matching rule's decision, or nil if no rules match.
func (e *Engine) Evaluate(ctx context.Context, rc RoutingContext) *RoutingDecision {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}

		if e.matchesAllConditions(rule.Conditions, rc) {
			decision := &RoutingDecision{
				RuleID:     rule.ID,
				RuleName:   rule.Name,
				Action:     rule.Action,
				Provider:   rule.Target,
				Fallbacks:  rule.Fallbacks,
				EvalTimeNs: time.Since(start).Nanoseconds(),
				Reason: fmt.Sprintf("matched rule '%s' (priority=%d, conditions=%d)",
					rule.Name, rule.Priority, len(rule.Conditions)),
			}

			// T098: Log routing decision.
			e.logger.Info().
				Str("rule_id", rule.ID).
				Str("rule_name", rule.Name).
				Str("action", string(rule.Action)).
				Str("target", rule.Target).
				Str("model", rc.Model).
				Str("team", rc.TeamID).
				Int64("eval_ns", decision.EvalTimeNs).
				Msg("routing decision made")

			return decision
		}
	}

	// No rule matched — default routing.
	return &RoutingDecision{
		Action:     ActionRoute,
		Provider:   rc.Provider,
		Reason:     "no rules matched; using default provider",
		EvalTimeNs: time.Since(start).Nanoseconds(),
	}
}

// matchesAllConditions checks if ALL conditions in a rule are satisfied.
func (e *Engine) matchesAllConditions(conditions []Condition, rc RoutingContext) bool {
	for _, cond := range conditions {
		if !e.matchCondition(cond, rc) {
			return false
		}
	}
	return true
}

// matchCondition evaluates a single condition against the routing context.
func (e *Engine) matchCondition(cond Condition, rc RoutingContext) bool {
	fieldValue := e.resolveField(cond.Field, rc)

	switch cond.Operator {
	case OpEquals:
		return fmt.Sprintf("%v", fieldValue) == fmt.Sprintf("%v", cond.Value)
	case OpNotEquals:
		return fmt.Sprintf("%v", fieldValue) != fmt.Sprintf("%v", cond.Value)
	case OpContains:
		return strings.Contains(
			fmt.Sprintf("%v", fieldValue),
			fmt.Sprintf("%v", cond.Value),
		)
	case OpStartsWith:
		return strings.HasPrefix(
			fmt.Sprintf("%v", fieldValue),
			fmt.Sprintf("%v", cond.Value),
		)
	case OpGT, OpGTE, OpLT, OpLTE:
		return e.compareNumeric(cond.Operator, fieldValue, cond.Value)
	case OpIn, OpNotIn:
		return e.matchIn(cond.Operator, fieldValue, cond.Value)
	default:
		e.logger.Warn().Str("op", string(cond.Operator)).Msg("unknown condition operator")
		return false
	}
}

// resolveField extracts a value from the routing context by field name.
func (e *Engine) resolveField(field string, rc RoutingContext) interface{} {
	switch field {
	case "model":
		return rc.Model
	case "provider":
		return rc.Provider
	case "team_id":
		return rc.TeamID
	case "user_id":
		return rc.UserID
	case "token_estimate":
		return rc.TokenEstimate
	case "max_tokens":
		return rc.MaxTokens
	case "is_free_model":
		return rc.IsFreeModel
	case "hour":
		return rc.RequestTime.Hour()
	case "day_of_week":
		return int(rc.RequestTime.Weekday())
	default:
		// Check tags.
		if strings.HasPrefix(field, "tag.") {
			tagKey := strings.TrimPrefix(field, "tag.")
			if val, ok := rc.Tags[tagKey]; ok {
				return val
			}
		}
		return ""
	}
}

// compareNumeric handles numeric comparison operators.
func (e *Engine) compareNumeric(op ConditionOp, fieldVal, condVal interface{}) bool {
	fv := toFloat64(fieldVal)
	cv := toFloat64(condVal)

	switch op {
	case OpGT:
		return fv > cv
	case OpGTE:
		return fv >= cv
	case OpLT:
		return fv < cv
	case OpLTE:
		return fv <= cv
	default:
		return false
	}
}

// matchIn checks if a field value is in (or not in) a list.
func (e *Engine) matchIn(op ConditionOp, fieldVal, condVal interface{}) bool {
	fieldStr := fmt.Sprintf("%v", fieldVal)

	// condVal should be a slice.
	var list []string
	switch v := condVal.(type) {
	case []string:
		list = v
	case []interface{}:
		for _, item := range v {
			list = append(list, fmt.Sprintf("%v", item))
		}
	case string:
		// Try JSON parse.
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			list = strings.Split(v, ",")
		}
	default:
		return false
	}

	found := false
	for _, item := range list {
		if strings.TrimSpace(item) == fieldStr {
			found = true
			break
		}
	}

	if op == OpIn {
		return found
	}
	return !found // OpNotIn
}

func (e *Engine) sortRulesLocked() {
	sort.Slice(e.rules, func(i, j int) bool {
		return e.rules[i].Priority < e.rules[j].Priority
	})
}

// toFloat64 converts various numeric types to float64.
func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}


// --- Provider Failover (T094) ---

// FailoverState tracks provider health for failover decisions.
type FailoverState struct {
	mu        sync.RWMutex
	failures  map[string]int       // provider → consecutive failure count
	lastFail  map[string]time.Time // provider → last failure time
	threshold int                  // failures before marking unhealthy
	cooldown  time.Duration        // how long to wait before retrying failed provider
}

// NewFailoverState creates a failover tracker.
func NewFailoverState(threshold int, cooldown time.Duration) *FailoverState {
	return &FailoverState{
		failures:  make(map[string]int),
		lastFail:  make(map[string]time.Time),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// RecordFailure records a provider failure.
func (fs *FailoverState) RecordFailure(provider string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failures[provider]++
	fs.lastFail[provider] = time.Now()
}

// RecordSuccess resets the failure counter for a provider.
func (fs *FailoverState) RecordSuccess(provider string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failures[provider] = 0
}

// IsHealthy checks if a provider is considered healthy.
func (fs *FailoverState) IsHealthy(provider string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	count := fs.failures[provider]
	if count < fs.threshold {
		return true
	}

	// Check cooldown — maybe it's time to retry.
	lastFail, ok := fs.lastFail[provider]
	if !ok {
		return true
	}
	return time.Since(lastFail) > fs.cooldown
}

// SelectProvider picks the first healthy provider from the list (T094).
func (fs *FailoverState) SelectProvider(preferred string, fallbacks []string) string {
	if fs.IsHealthy(preferred) {
		return preferred
	}

	for _, fb := range fallbacks {
		if fs.IsHealthy(fb) {
			return fb
		}
	}

	// All unhealthy — return preferred and hope for the best.
	return preferred
}
