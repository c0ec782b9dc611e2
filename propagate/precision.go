package propagate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/callctx"
	"gopkg.in/yaml.v3"
)

// PrecisionConfig selects where propagation trades precision for
// convergence. The zero value is fully precise.
type PrecisionConfig struct {
	// FlowInsensitiveVariables merges every write of a named variable.
	FlowInsensitiveVariables bool `yaml:"flowInsensitiveVariables"`
	// ContextInsensitiveVariables erases the scope of unnamed variables.
	ContextInsensitiveVariables bool `yaml:"contextInsensitiveVariables"`
	// CallstackSensitiveVariables abstracts scopes by their call string.
	CallstackSensitiveVariables bool `yaml:"callstackSensitiveVariables"`
	// CallstackSensitiveVariablesHeight bounds the call string.
	CallstackSensitiveVariablesHeight int `yaml:"callstackSensitiveVariablesHeight"`
	// ParameterTypeSensitiveVariables refines each call site of the call
	// string by its argument types.
	ParameterTypeSensitiveVariables bool `yaml:"parameterTypeSensitiveVariables"`
}

// Precise keeps every write and every scope apart.
func Precise() PrecisionConfig {
	return PrecisionConfig{}
}

// FlowInsensitive merges all writes of named variables.
func FlowInsensitive() PrecisionConfig {
	return PrecisionConfig{FlowInsensitiveVariables: true}
}

// ContextInsensitive merges named writes and erases temporaries' scopes.
func ContextInsensitive() PrecisionConfig {
	return PrecisionConfig{FlowInsensitiveVariables: true, ContextInsensitiveVariables: true}
}

// CallString abstracts scopes to the last k call sites.
func CallString(k int) PrecisionConfig {
	return PrecisionConfig{CallstackSensitiveVariables: true, CallstackSensitiveVariablesHeight: k}
}

// ParameterTypes abstracts scopes to the last k call sites and the argument
// types they were called with.
func ParameterTypes(k int) PrecisionConfig {
	return PrecisionConfig{
		CallstackSensitiveVariables:       true,
		CallstackSensitiveVariablesHeight: k,
		ParameterTypeSensitiveVariables:   true,
	}
}

// Validate checks the flag combination.
func (c PrecisionConfig) Validate() error {
	if c.CallstackSensitiveVariables && c.CallstackSensitiveVariablesHeight < 1 {
		return fmt.Errorf("callstackSensitiveVariablesHeight must be positive, got %d", c.CallstackSensitiveVariablesHeight)
	}
	if c.ParameterTypeSensitiveVariables && !c.CallstackSensitiveVariables {
		return errors.New("parameterTypeSensitiveVariables requires callstackSensitiveVariables")
	}
	return nil
}

// Strategy returns the context abstraction the config selects.
func (c PrecisionConfig) Strategy() callctx.Strategy {
	switch {
	case c.ParameterTypeSensitiveVariables:
		return callctx.StrategyParameterTypes
	case c.CallstackSensitiveVariables:
		return callctx.StrategyCallStack
	default:
		return callctx.StrategyIdentity
	}
}

func (c PrecisionConfig) abstractor(lattice tracetype.Lattice) (callctx.Abstractor, error) {
	return callctx.Select(c.Strategy(), c.CallstackSensitiveVariablesHeight, lattice)
}

// DecodePrecisionConfig reads a YAML precision config. Unknown keys are
// rejected.
func DecodePrecisionConfig(r io.Reader) (PrecisionConfig, error) {
	var c PrecisionConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return PrecisionConfig{}, fmt.Errorf("failed to decode precision config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return PrecisionConfig{}, fmt.Errorf("invalid precision config: %w", err)
	}
	return c, nil
}

// LoadPrecisionConfig reads a YAML precision config from path.
func LoadPrecisionConfig(path string) (PrecisionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PrecisionConfig{}, fmt.Errorf("failed to read precision config: %w", err)
	}
	return DecodePrecisionConfig(bytes.NewReader(data))
}
