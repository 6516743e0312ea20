// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package authz

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/tomtom215/callstream/internal/auth"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Subjects.
const (
	RoleOperator = "operator"
	RoleMember   = "member"
	RoleViewer   = "viewer"
	RoleProducer = "producer"
)

// Objects.
const (
	ObjectDialogues   = "dialogues"
	ObjectChanges     = "changes"
	ObjectEvents      = "events"
	ObjectDeadLetters = "deadletters"
	ObjectRetry       = "retry"
)

// Actions.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Config selects the model and policy. Empty paths use the embedded ones.
type Config struct {
	ModelPath  string `koanf:"model_path"`
	PolicyPath string `koanf:"policy_path"`

	// ReloadInterval re-reads PolicyPath periodically. Zero disables it.
	ReloadInterval time.Duration `koanf:"reload_interval"`
}

// Enforcer evaluates requests against the policy. It is safe for
// concurrent use.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
	reload   bool
}

// NewEnforcer loads the model and policy named by cfg.
func NewEnforcer(cfg Config) (*Enforcer, error) {
	var (
		m   model.Model
		err error
	)
	if cfg.ModelPath != "" {
		m, err = model.NewModelFromFile(cfg.ModelPath)
	} else {
		m, err = model.NewModelFromString(embeddedModel)
	}
	if err != nil {
		return nil, fmt.Errorf("load authorization model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" {
		if _, statErr := os.Stat(cfg.PolicyPath); statErr != nil {
			return nil, fmt.Errorf("authorization policy: %w", statErr)
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create authorization enforcer: %w", err)
	}

	e := &Enforcer{enforcer: enforcer}
	if cfg.PolicyPath != "" && cfg.ReloadInterval > 0 {
		enforcer.StartAutoLoadPolicy(cfg.ReloadInterval)
		e.reload = true
	}
	return e, nil
}

// loadPolicy adds the p and g lines of a CSV policy.
func loadPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	var rules, groups [][]string
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch {
		case parts[0] == "p" && len(parts) == 5:
			rules = append(rules, parts[1:])
		case parts[0] == "g" && len(parts) == 3:
			groups = append(groups, parts[1:])
		default:
			return fmt.Errorf("malformed policy line %q", line)
		}
	}
	if _, err := enforcer.AddPolicies(rules); err != nil {
		return fmt.Errorf("add policies: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicies(groups); err != nil {
		return fmt.Errorf("add role inheritance: %w", err)
	}
	return nil
}

// SubjectFor maps verified claims to a policy subject. The operator role
// is only granted by the operator org, never by the role claim.
func SubjectFor(c *auth.Claims) string {
	if c.IsOperator() {
		return RoleOperator
	}
	switch c.Role {
	case RoleViewer, RoleProducer:
		return c.Role
	default:
		return RoleMember
	}
}

// ErrDenied is returned by Check when the policy does not allow a request.
var ErrDenied = errors.New("not permitted")

// Allow reports whether claims may perform act on obj in org. org is empty
// for objects that belong to no organization.
func (e *Enforcer) Allow(c *auth.Claims, org, obj, act string) (bool, error) {
	allowed, err := e.enforcer.Enforce(SubjectFor(c), c.Org, org, obj, act)
	if err != nil {
		return false, fmt.Errorf("enforce %s %s: %w", act, obj, err)
	}
	return allowed, nil
}

// Check is Allow returning ErrDenied for a refusal.
func (e *Enforcer) Check(c *auth.Claims, org, obj, act string) error {
	allowed, err := e.Allow(c, org, obj, act)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s %s in %q", ErrDenied, act, obj, org)
	}
	return nil
}

// Close stops policy reloading.
func (e *Enforcer) Close() {
	if e.reload {
		e.enforcer.StopAutoLoadPolicy()
	}
}
