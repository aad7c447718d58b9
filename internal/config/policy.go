package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/rangekeeper/internal/admission"
	"github.com/animus-labs/rangekeeper/internal/dispatch"
	"github.com/animus-labs/rangekeeper/internal/domain"
	"gopkg.in/yaml.v3"
)

// Policy is the operator-edited YAML file holding every admission, image,
// resource and credential-scope rule.
type Policy struct {
	Admission   AdmissionPolicy         `yaml:"admission"`
	Images      dispatch.ImagePolicy    `yaml:"images"`
	Resources   dispatch.ResourceBounds `yaml:"resources"`
	Credentials CredentialPolicy        `yaml:"credentials"`
}

type AdmissionPolicy struct {
	Limits    map[domain.ScopeType]admission.Limit `yaml:"limits"`
	Overrides []LimitOverride                      `yaml:"overrides,omitempty"`
}

type LimitOverride struct {
	Scope    domain.ScopeType `yaml:"scope"`
	Key      string           `yaml:"key"`
	Capacity int              `yaml:"capacity"`
	Window   time.Duration    `yaml:"window"`
}

type CredentialPolicy struct {
	DefaultScope []string            `yaml:"default_scope"`
	ClassScopes  map[string][]string `yaml:"class_scopes,omitempty"`
}

func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	policy, err := ParsePolicy(data)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return policy, nil
}

// ParsePolicy decodes strictly: unknown keys are errors. Omitted resource
// bounds fall back to dispatch.DefaultResourceBounds.
func ParsePolicy(data []byte) (Policy, error) {
	policy := Policy{Resources: dispatch.DefaultResourceBounds()}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil {
		if errors.Is(err, io.EOF) {
			return Policy{}, errors.New("policy is empty")
		}
		return Policy{}, fmt.Errorf("decode: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func (p Policy) Validate() error {
	if len(p.Admission.Limits) == 0 {
		return errors.New("admission.limits must configure at least one scope")
	}
	for scopeType, limit := range p.Admission.Limits {
		if !validScopeType(scopeType) {
			return fmt.Errorf("admission.limits: unknown scope %q", scopeType)
		}
		if err := limit.Validate(); err != nil {
			return fmt.Errorf("admission.limits.%s: %w", scopeType, err)
		}
	}
	seen := make(map[domain.ScopeKey]struct{}, len(p.Admission.Overrides))
	for i, o := range p.Admission.Overrides {
		key := domain.ScopeKey{Type: o.Scope, Key: strings.TrimSpace(o.Key)}
		if err := key.Validate(); err != nil {
			return fmt.Errorf("admission.overrides[%d]: %w", i, err)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("admission.overrides[%d]: duplicate override for %s", i, key)
		}
		seen[key] = struct{}{}
		if err := (admission.Limit{Capacity: o.Capacity, Window: o.Window}).Validate(); err != nil {
			return fmt.Errorf("admission.overrides[%d]: %w", i, err)
		}
	}
	if err := p.Images.Validate(); err != nil {
		return fmt.Errorf("images: %w", err)
	}
	if err := p.Resources.Validate(); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	if len(p.Credentials.DefaultScope) == 0 && len(p.Credentials.ClassScopes) == 0 {
		return errors.New("credentials: default_scope or class_scopes is required")
	}
	for class, scope := range p.Credentials.ClassScopes {
		if len(scope) == 0 {
			return fmt.Errorf("credentials.class_scopes.%s: empty scope", class)
		}
	}
	return nil
}

func (p Policy) AdmissionPolicy() admission.Policy {
	out := admission.Policy{
		Defaults:  make(map[domain.ScopeType]admission.Limit, len(p.Admission.Limits)),
		Overrides: make(map[domain.ScopeKey]admission.Limit, len(p.Admission.Overrides)),
	}
	for scopeType, limit := range p.Admission.Limits {
		out.Defaults[scopeType] = limit
	}
	for _, o := range p.Admission.Overrides {
		key := domain.ScopeKey{Type: o.Scope, Key: strings.TrimSpace(o.Key)}
		out.Overrides[key] = admission.Limit{Capacity: o.Capacity, Window: o.Window}
	}
	return out
}

func validScopeType(t domain.ScopeType) bool {
	switch t {
	case domain.ScopeGlobal, domain.ScopeWorkloadClass, domain.ScopeRequester:
		return true
	}
	return false
}
