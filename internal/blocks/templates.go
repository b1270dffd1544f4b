package blocks

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/tiermem/pkg/types"
)

//go:embed templates.yaml
var defaultTemplatesYAML []byte

// BlockTemplate holds the defaults used when a block is created.
type BlockTemplate struct {
	Limit       int    `yaml:"limit"`
	ReadOnly    bool   `yaml:"read_only"`
	Description string `yaml:"description"`
	Value       string `yaml:"value"`
}

// Templates maps labels to creation defaults and roles to the labels they
// are attached.
type Templates struct {
	Margin       int                      `yaml:"margin"`
	DefaultLimit int                      `yaml:"default_limit"`
	Blocks       map[string]BlockTemplate `yaml:"blocks"`
	Roles        map[types.Role][]string  `yaml:"roles"`
}

// DefaultTemplates parses the embedded template document.
func DefaultTemplates() (*Templates, error) {
	return LoadTemplates(defaultTemplatesYAML)
}

// LoadTemplates parses and validates a YAML template document.
func LoadTemplates(data []byte) (*Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse block templates: %w", err)
	}
	if t.DefaultLimit <= 0 {
		t.DefaultLimit = 2000
	}
	if t.Margin < 0 {
		return nil, fmt.Errorf("%w: negative trim margin %d", types.ErrInvalidInput, t.Margin)
	}
	for role, labels := range t.Roles {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: template for unknown role %q", types.ErrInvalidInput, role)
		}
		for _, label := range labels {
			if label == "" {
				return nil, fmt.Errorf("%w: empty label for role %q", types.ErrInvalidInput, role)
			}
		}
	}
	for label, bt := range t.Blocks {
		if bt.Limit < 0 {
			return nil, fmt.Errorf("%w: negative limit for block %q", types.ErrInvalidInput, label)
		}
	}
	return &t, nil
}

// Block returns the template for label. Unknown labels get the default
// limit and an empty value. compliance_policy is always read-only.
func (t *Templates) Block(label string) BlockTemplate {
	bt, ok := t.Blocks[label]
	if !ok {
		bt = BlockTemplate{}
	}
	if bt.Limit == 0 {
		bt.Limit = t.DefaultLimit
	}
	if label == types.BlockCompliancePolicy {
		bt.ReadOnly = true
	}
	return bt
}

// LabelsForRole returns the labels attached to role, always ending with
// compliance_policy and without duplicates.
func (t *Templates) LabelsForRole(role types.Role) []string {
	seen := make(map[string]bool)
	var out []string
	for _, label := range t.Roles[role] {
		if label == types.BlockCompliancePolicy || seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return append(out, types.BlockCompliancePolicy)
}
