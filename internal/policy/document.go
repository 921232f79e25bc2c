package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrPolicyInvalid is returned by Load and ParseDocument on schema or
// condition errors.
var ErrPolicyInvalid = errors.New("invalid policy document")

// schemaVersion is the only accepted policy document version.
const schemaVersion = "1.0"

// Action is the outcome a rule (or default) prescribes.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionWarn            Action = "warn"
	ActionLog             Action = "log"
	ActionRequireApproval Action = "require_approval"
)

// Allows reports whether the action permits the request to proceed.
// require_approval and deny both hold the request.
func (a Action) Allows() bool {
	switch a {
	case ActionAllow, ActionWarn, ActionLog:
		return true
	}
	return false
}

func validAction(a Action) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionWarn, ActionLog, ActionRequireApproval:
		return true
	}
	return false
}

// Rule is one declarative rule inside a policy document.
type Rule struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   string   `yaml:"condition" json:"condition"`
	Action      Action   `yaml:"action" json:"action"`
	Priority    int      `yaml:"priority" json:"priority"`
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Limit       string   `yaml:"limit,omitempty" json:"limit,omitempty"`
	Approvers   []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`
}

// IsEnabled reports whether the rule participates in evaluation.
// Rules are enabled unless explicitly disabled.
func (r *Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Document is the wire form of a policy. Exactly one of Agent or Agents may
// be set; an empty selector defaults to "*".
type Document struct {
	Version       string   `yaml:"version" json:"version"`
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
	Agent         string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Agents        []string `yaml:"agents,omitempty" json:"agents,omitempty"`
	DefaultAction Action   `yaml:"default_action" json:"default_action"`
	Rules         []Rule   `yaml:"rules" json:"rules"`
}

// Targets reports whether the document governs the given DID.
func (d *Document) Targets(did string) bool {
	if len(d.Agents) > 0 {
		for _, a := range d.Agents {
			if a == did {
				return true
			}
		}
		return false
	}
	return d.Agent == "*" || d.Agent == "" || d.Agent == did
}

// Wildcard reports whether the document targets every agent.
func (d *Document) Wildcard() bool {
	return len(d.Agents) == 0 && (d.Agent == "" || d.Agent == "*")
}

// ParseDocument parses and validates a YAML or JSON policy document.
// (YAML is a superset of JSON, so one decoder handles both encodings.)
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document against the policy schema.
func (d *Document) Validate() error {
	if d.Version != schemaVersion {
		return fmt.Errorf("%w: version must be %q, got %q", ErrPolicyInvalid, schemaVersion, d.Version)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrPolicyInvalid)
	}
	if d.Agent != "" && len(d.Agents) > 0 {
		return fmt.Errorf("%w: agent and agents are mutually exclusive", ErrPolicyInvalid)
	}
	if d.DefaultAction == "" {
		d.DefaultAction = ActionDeny
	}
	if !validAction(d.DefaultAction) {
		return fmt.Errorf("%w: unknown default_action %q", ErrPolicyInvalid, d.DefaultAction)
	}

	seen := make(map[string]struct{}, len(d.Rules))
	for i := range d.Rules {
		r := &d.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("%w: rule %d has no name", ErrPolicyInvalid, i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate rule name %q", ErrPolicyInvalid, r.Name)
		}
		seen[r.Name] = struct{}{}

		if !validAction(r.Action) {
			return fmt.Errorf("%w: rule %q has unknown action %q", ErrPolicyInvalid, r.Name, r.Action)
		}
		if r.Action == ActionRequireApproval && len(r.Approvers) == 0 {
			return fmt.Errorf("%w: rule %q requires approvers", ErrPolicyInvalid, r.Name)
		}
		if r.Action != ActionRequireApproval && len(r.Approvers) > 0 {
			return fmt.Errorf("%w: rule %q has approvers but action %q", ErrPolicyInvalid, r.Name, r.Action)
		}
		if _, err := ParseCondition(r.Condition); err != nil {
			return fmt.Errorf("%w: rule %q condition: %v", ErrPolicyInvalid, r.Name, err)
		}
		if r.Limit != "" {
			if _, err := ParseLimit(r.Limit); err != nil {
				return fmt.Errorf("%w: rule %q: %v", ErrPolicyInvalid, r.Name, err)
			}
		}
	}
	return nil
}

// Limit is a parsed rate limit: at most Count matches per Window.
type Limit struct {
	Count  int
	Window time.Duration
}

// ParseLimit parses the "<n>/<window>" rate-limit grammar, where window is
// one of second, minute, hour, day.
func ParseLimit(s string) (Limit, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Limit{}, fmt.Errorf("limit %q must be <n>/<window>", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return Limit{}, fmt.Errorf("limit %q has invalid count", s)
	}
	var window time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		return Limit{}, fmt.Errorf("limit %q has unknown window (want second|minute|hour|day)", s)
	}
	return Limit{Count: n, Window: window}, nil
}
