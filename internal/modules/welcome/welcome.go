// Package welcome is the first page of the installer. It has no jobs, but
// it checks whether the machine can be installed to at all.
//
//	requirements:
//	  check: [storage, ram, root, internet]
//	  required: [storage, ram, root]
//	requiredStorage: 5.5    # GiB
//	requiredRam: 1.0        # GiB
//	internetCheckUrl: https://example.com
package welcome

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/calamares-go/installer/internal/job"
	"github.com/calamares-go/installer/internal/module"
	"github.com/calamares-go/installer/internal/parallel"
	"github.com/calamares-go/installer/internal/requirements"
)

const Name = "welcome"

const (
	CheckStorage  = "storage"
	CheckRAM      = "ram"
	CheckRoot     = "root"
	CheckInternet = "internet"
)

const gib = 1 << 30

func Register(r *module.Registry) error {
	return r.Register(Name, New)
}

type Step struct {
	env    module.Env
	system System

	check           []string
	required        []string
	requiredStorage float64
	requiredRAM     float64
	internetURL     string
}

func New(env module.Env) module.Plugin {
	return NewWithSystem(env, DefaultSystem())
}

// NewWithSystem is New probing system instead of the running machine.
func NewWithSystem(env module.Env, system System) *Step {
	return &Step{env: env, system: system}
}

func (s *Step) PrettyName() string {
	return "Welcome"
}

func (s *Step) Jobs() job.List {
	return nil
}

func (s *Step) SetConfigurationMap(ctx context.Context, config map[string]any) error {
	if reqs, ok := config["requirements"].(map[string]any); ok {
		var err error
		if s.check, err = stringList(reqs["check"]); err != nil {
			return fmt.Errorf("requirements.check: %w", err)
		}
		if s.required, err = stringList(reqs["required"]); err != nil {
			return fmt.Errorf("requirements.required: %w", err)
		}
	}
	for idx, name := range s.check {
		if !slices.Contains([]string{CheckStorage, CheckRAM, CheckRoot, CheckInternet}, name) {
			return fmt.Errorf("unknown requirement %q", name)
		}
		if slices.Index(s.check, name) != idx {
			return fmt.Errorf("requirement %q is listed twice", name)
		}
	}
	for _, name := range s.required {
		if !slices.Contains(s.check, name) {
			slog.WarnContext(ctx, "required check is never run", "instance_key", s.env.InstanceKey, "check", name)
		}
	}

	var err error
	if s.requiredStorage, err = number(config["requiredStorage"]); err != nil {
		return fmt.Errorf("requiredStorage: %w", err)
	}
	if s.requiredRAM, err = number(config["requiredRam"]); err != nil {
		return fmt.Errorf("requiredRam: %w", err)
	}
	s.internetURL, _ = config["internetCheckUrl"].(string)
	if slices.Contains(s.check, CheckInternet) && s.internetURL == "" {
		return fmt.Errorf("internet check needs internetCheckUrl")
	}
	return nil
}

// CheckRequirements runs the configured checks concurrently and returns
// the entries in configuration order.
func (s *Step) CheckRequirements(ctx context.Context) requirements.List {
	ret := make(requirements.List, len(s.check))
	for r := range parallel.Map(ctx, 0, s.check, s.probe) {
		idx := slices.Index(s.check, r.Input)
		if r.Err != nil {
			ret[idx] = requirements.Entry{Name: r.Input, Details: r.Err.Error()}
		} else {
			ret[idx] = r.Value
		}
		ret[idx].Mandatory = slices.Contains(s.required, r.Input)
	}
	return ret
}

func (s *Step) probe(ctx context.Context, name string) (requirements.Entry, error) {
	e := requirements.Entry{Name: name}
	switch name {
	case CheckStorage:
		size, err := s.system.LargestDisk()
		if err != nil {
			return e, fmt.Errorf("cannot determine disk size: %w", err)
		}
		e.Satisfied = float64(size) >= s.requiredStorage*gib
		e.Details = fmt.Sprintf("has at least %.1f GiB available drive space (largest disk %.1f GiB)", s.requiredStorage, float64(size)/gib)
	case CheckRAM:
		size, err := s.system.TotalMemory()
		if err != nil {
			return e, fmt.Errorf("cannot determine memory size: %w", err)
		}
		e.Satisfied = float64(size) >= s.requiredRAM*gib
		e.Details = fmt.Sprintf("has at least %.1f GiB working memory (found %.1f GiB)", s.requiredRAM, float64(size)/gib)
	case CheckRoot:
		e.Satisfied = s.system.Geteuid != nil && s.system.Geteuid() == 0
		e.Details = "is running the installer as an administrator (root)"
	case CheckInternet:
		if err := s.system.Reachable(ctx, s.internetURL); err != nil {
			e.Details = fmt.Sprintf("is not connected to the Internet: %v", err)
		} else {
			e.Satisfied = true
			e.Details = "is connected to the Internet"
		}
	}
	return e, nil
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	ret := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", item)
		}
		ret = append(ret, s)
	}
	return ret, nil
}

func number(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
