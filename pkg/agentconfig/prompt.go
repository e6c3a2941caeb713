package agentconfig

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// PresetClaudeCode is the only preset the agent engine ships.
const PresetClaudeCode = "claude_code"

// SystemPrompt is either a literal prompt or a preset with optional appended
// text. It encodes as a bare string or as {"type":"preset",...}.
type SystemPrompt struct {
	Text   string
	Preset string
	Append string
}

// TextPrompt returns a literal system prompt.
func TextPrompt(s string) *SystemPrompt {
	return &SystemPrompt{Text: s}
}

type presetDoc struct {
	Type   string `json:"type" yaml:"type"`
	Preset string `json:"preset" yaml:"preset"`
	Append string `json:"append,omitempty" yaml:"append,omitempty"`
}

func (p SystemPrompt) doc() presetDoc {
	return presetDoc{Type: "preset", Preset: p.Preset, Append: p.Append}
}

func (p *SystemPrompt) fromDoc(d presetDoc) error {
	if d.Type != "preset" || d.Preset != PresetClaudeCode {
		return fmt.Errorf("unsupported system prompt preset %q/%q", d.Type, d.Preset)
	}
	*p = SystemPrompt{Preset: d.Preset, Append: d.Append}
	return nil
}

func (p SystemPrompt) MarshalJSON() ([]byte, error) {
	if p.Preset == "" {
		return json.Marshal(p.Text)
	}
	return json.Marshal(p.doc())
}

func (p *SystemPrompt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		*p = SystemPrompt{}
		return json.Unmarshal(b, &p.Text)
	}
	var d presetDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	return p.fromDoc(d)
}

func (p SystemPrompt) MarshalYAML() (any, error) {
	if p.Preset == "" {
		return p.Text, nil
	}
	return p.doc(), nil
}

func (p *SystemPrompt) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = SystemPrompt{Text: node.Value}
		return nil
	}
	var d presetDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	return p.fromDoc(d)
}
