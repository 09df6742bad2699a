package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/wire"
)

// ScriptStep is one command in a YAML script. Payload uses the same field
// names as the JSON wire envelope:
//
//	- kind: arm
//	  payload: {at: "2026-01-01T00:00:00Z", period: 1s}
//	- kind: set_register
//	  payload: {name: pump, value: 42}
type ScriptStep struct {
	Kind    string         `yaml:"kind"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// LoadScript decodes a YAML command script. Every command goes through the
// wire decoder, so scripts are validated like any other ingress.
func LoadScript(r io.Reader) ([]statecore.Command, error) {
	var steps []ScriptStep
	if err := yaml.NewDecoder(r).Decode(&steps); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse script: %w", err)
	}
	cmds := make([]statecore.Command, 0, len(steps))
	for i, step := range steps {
		env := wire.Envelope{Kind: step.Kind}
		if step.Payload != nil {
			raw, err := json.Marshal(step.Payload)
			if err != nil {
				return nil, fmt.Errorf("step %d payload: %w", i+1, err)
			}
			env.Payload = raw
		}
		cmd, err := wire.DecodeCommand(env)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}
