package workorders

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"gopkg.in/yaml.v3"
)

//go:embed policy/transitions.yaml
var policyFiles embed.FS

const defaultPolicyFile = "policy/transitions.yaml"

// ErrInvalidPolicy indicates a malformed transition policy document.
var ErrInvalidPolicy = errors.New("workorders: invalid policy")

type policyDocument struct {
	Statuses          []string             `yaml:"statuses"`
	DefaultStatus     string               `yaml:"default_status"`
	Aliases           map[string]string    `yaml:"aliases"`
	Terminal          map[string]string    `yaml:"terminal"`
	Transitions       []transitionDocument `yaml:"transitions"`
	Priorities        []string             `yaml:"priorities"`
	DefaultPriority   string               `yaml:"default_priority"`
	ConflictResolvers []string             `yaml:"conflict_resolvers"`
	CreateRoles       []string             `yaml:"create_roles"`
	DeleteRoles       []string             `yaml:"delete_roles"`
}

type transitionDocument struct {
	From   string   `yaml:"from"`
	To     string   `yaml:"to"`
	Roles  []string `yaml:"roles"`
	Reason string   `yaml:"reason"`
}

type transitionKey struct {
	from string
	to   string
}

type transitionRule struct {
	roles  roleSet
	reason string
}

type roleSet map[reconcile.Role]struct{}

func newRoleSet(raw []string) roleSet {
	set := make(roleSet, len(raw))
	for _, role := range raw {
		set[reconcile.Role(strings.ToLower(strings.TrimSpace(role)))] = struct{}{}
	}
	return set
}

func (s roleSet) allows(role reconcile.Role) bool {
	_, ok := s[role]
	return ok
}

// TransitionVerdict classifies a requested status change.
type TransitionVerdict int

const (
	TransitionUnchanged TransitionVerdict = iota
	TransitionAllowed
	// TransitionBlocked is a domain rule silently keeping the current status.
	TransitionBlocked
	// TransitionDenied is a role restriction.
	TransitionDenied
)

// TransitionCheck is the verdict plus the reason code to report.
type TransitionCheck struct {
	Verdict TransitionVerdict
	Reason  string
}

// Policy is the work order lifecycle and role table.
type Policy struct {
	statuses          map[string]struct{}
	defaultStatus     string
	aliases           map[string]string
	terminal          map[string]string
	transitions       map[transitionKey]transitionRule
	priorities        map[string]struct{}
	defaultPriority   string
	conflictResolvers roleSet
	createRoles       roleSet
	deleteRoles       roleSet
}

// DefaultPolicy parses the embedded transition table.
func DefaultPolicy() (*Policy, error) {
	data, err := policyFiles.ReadFile(defaultPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", defaultPolicyFile, err)
	}
	return LoadPolicy(data)
}

// LoadPolicy parses and validates a YAML policy document.
func LoadPolicy(data []byte) (*Policy, error) {
	var document policyDocument
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	policy := &Policy{
		statuses:          make(map[string]struct{}, len(document.Statuses)),
		defaultStatus:     normalizeToken(document.DefaultStatus),
		aliases:           make(map[string]string, len(document.Aliases)),
		terminal:          make(map[string]string, len(document.Terminal)),
		transitions:       make(map[transitionKey]transitionRule, len(document.Transitions)),
		priorities:        make(map[string]struct{}, len(document.Priorities)),
		defaultPriority:   normalizeToken(document.DefaultPriority),
		conflictResolvers: newRoleSet(document.ConflictResolvers),
		createRoles:       newRoleSet(document.CreateRoles),
		deleteRoles:       newRoleSet(document.DeleteRoles),
	}
	for _, status := range document.Statuses {
		policy.statuses[normalizeToken(status)] = struct{}{}
	}
	if _, ok := policy.statuses[policy.defaultStatus]; !ok {
		return nil, fmt.Errorf("%w: default status %q is not a status", ErrInvalidPolicy, document.DefaultStatus)
	}
	for alias, target := range document.Aliases {
		normalizedTarget := normalizeToken(target)
		if _, ok := policy.statuses[normalizedTarget]; !ok {
			return nil, fmt.Errorf("%w: alias %q targets unknown status %q", ErrInvalidPolicy, alias, target)
		}
		policy.aliases[normalizeToken(alias)] = normalizedTarget
	}
	for status, rule := range document.Terminal {
		normalized := normalizeToken(status)
		if _, ok := policy.statuses[normalized]; !ok {
			return nil, fmt.Errorf("%w: terminal status %q is unknown", ErrInvalidPolicy, status)
		}
		if strings.TrimSpace(rule) == "" {
			return nil, fmt.Errorf("%w: terminal status %q needs a rule name", ErrInvalidPolicy, status)
		}
		policy.terminal[normalized] = strings.TrimSpace(rule)
	}
	for _, transition := range document.Transitions {
		key := transitionKey{from: normalizeToken(transition.From), to: normalizeToken(transition.To)}
		if _, ok := policy.statuses[key.from]; !ok {
			return nil, fmt.Errorf("%w: transition from unknown status %q", ErrInvalidPolicy, transition.From)
		}
		if _, ok := policy.statuses[key.to]; !ok {
			return nil, fmt.Errorf("%w: transition to unknown status %q", ErrInvalidPolicy, transition.To)
		}
		reason := strings.TrimSpace(transition.Reason)
		if reason == "" {
			reason = ReasonRestrictedStatusTransition
		}
		policy.transitions[key] = transitionRule{roles: newRoleSet(transition.Roles), reason: reason}
	}
	for _, priority := range document.Priorities {
		policy.priorities[normalizeToken(priority)] = struct{}{}
	}
	if _, ok := policy.priorities[policy.defaultPriority]; !ok {
		return nil, fmt.Errorf("%w: default priority %q is not a priority", ErrInvalidPolicy, document.DefaultPriority)
	}
	return policy, nil
}

// DefaultStatus returns the status assigned to new work orders.
func (p *Policy) DefaultStatus() string {
	return p.defaultStatus
}

// NormalizeStatus resolves aliases and reports whether the value is known.
func (p *Policy) NormalizeStatus(raw string) (string, bool) {
	normalized := normalizeToken(raw)
	if target, ok := p.aliases[normalized]; ok {
		normalized = target
	}
	_, ok := p.statuses[normalized]
	return normalized, ok
}

// NormalizePriority maps unknown or empty values onto the default priority.
func (p *Policy) NormalizePriority(raw string) string {
	normalized := normalizeToken(raw)
	if _, ok := p.priorities[normalized]; ok {
		return normalized
	}
	return p.defaultPriority
}

// CheckTransition evaluates moving from one status to another for a role.
// Terminal statuses absorb every change before role checks run.
func (p *Policy) CheckTransition(from, to string, role reconcile.Role) TransitionCheck {
	if from == to {
		return TransitionCheck{Verdict: TransitionUnchanged}
	}
	if rule, ok := p.terminal[from]; ok {
		return TransitionCheck{Verdict: TransitionBlocked, Reason: fmt.Sprintf("domain_%s_wins", rule)}
	}
	transition, ok := p.transitions[transitionKey{from: from, to: to}]
	if !ok {
		return TransitionCheck{Verdict: TransitionDenied, Reason: ReasonRestrictedStatusTransition}
	}
	if !transition.roles.allows(role) {
		return TransitionCheck{Verdict: TransitionDenied, Reason: transition.reason}
	}
	return TransitionCheck{Verdict: TransitionAllowed}
}

// CanCreate reports whether the role may create work orders.
func (p *Policy) CanCreate(role reconcile.Role) bool {
	return p.createRoles.allows(role)
}

// CanDelete reports whether the role may soft-delete work orders.
func (p *Policy) CanDelete(role reconcile.Role) bool {
	return p.deleteRoles.allows(role)
}

// CanResolveConflicts reports whether the role may resolve or dismiss conflicts.
func (p *Policy) CanResolveConflicts(role reconcile.Role) bool {
	return p.conflictResolvers.allows(role)
}

func normalizeToken(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
