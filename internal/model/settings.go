package model

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// ModulesSearchLocal in modules-search stands for the module directories
// of the installer itself.
const ModulesSearchLocal = "local"

//go:embed settings.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Settings"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Settings is the installer-wide settings.conf.
type Settings struct {
	ModulesSearch  []string   `json:"modules-search"`
	Instances      []Instance `json:"instances"`
	Sequence       []Step     `json:"sequence"`
	DontChroot     bool       `json:"dont-chroot"`
	DisableCancel  bool       `json:"disable-cancel"` // interrupts don't stop the job queue
	RootMountPoint string     `json:"root-mount-point,omitempty"`
}

// Instance declares a custom instance of a module with its own
// configuration file.
type Instance struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	Config string `json:"config"`
	// Weight is the share of the installation progress of the instance
	// jobs, 1 when unset.
	Weight int `json:"weight,omitempty"`
}

// Step is one entry of the sequence: either pages to show or modules whose
// jobs are executed.
type Step struct {
	Show []string `json:"show,omitempty"`
	Exec []string `json:"exec,omitempty"`
}

func (s Step) IsExec() bool {
	return len(s.Exec) > 0
}

// ValidationError is returned by LoadSettings when the document does not
// match the schema.
type ValidationError struct {
	Details []CueErrorDetail
	err     error
}

func (e *ValidationError) Error() string {
	return e.err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

var ErrSettings = errors.New("invalid settings")

// LoadSettings validates YAML from r against the CUE schema and decodes it.
func LoadSettings(r io.Reader) (*Settings, error) {
	yamlFile, err := yaml.Extract("settings.conf", r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettings, err)
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, &ValidationError{Details: humanize(err), err: fmt.Errorf("%w: %w", ErrSettings, err)}
	}

	var out Settings
	if err := unified.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettings, err)
	}
	if err := out.check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettings, err)
	}
	return &out, nil
}

// check covers what the schema cannot express.
func (s *Settings) check() error {
	seen := make(map[string]struct{}, len(s.Instances))
	for _, inst := range s.Instances {
		key := inst.Module + "@" + inst.ID
		if _, ok := seen[key]; ok {
			return fmt.Errorf("instance %s is declared twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ExecSteps returns the exec steps in sequence order.
func (s *Settings) ExecSteps() [][]string {
	var ret [][]string
	for _, step := range s.Sequence {
		if step.IsExec() {
			ret = append(ret, slices.Clone(step.Exec))
		}
	}
	return ret
}

// InstanceKeys returns every instance key of the sequence once, in the
// order of first use.
func (s *Settings) InstanceKeys() []string {
	var ret []string
	for _, step := range s.Sequence {
		for _, key := range slices.Concat(step.Show, step.Exec) {
			if !slices.Contains(ret, key) {
				ret = append(ret, key)
			}
		}
	}
	return ret
}
