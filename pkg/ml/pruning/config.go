// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OpConfig selects a set of operations (layers) to prune and how much to prune them.
//
// The field names (and serialized keys) follow the usual pruning toolkits convention, so a config list
// like `[{op_types: [Conv2d], sparsity: 0.8}]` reads the same.
type OpConfig struct {
	// OpTypes selects targets by type: OpTypeConv2d or OpTypeLinear.
	OpTypes []string `yaml:"op_types,omitempty" json:"op_types,omitempty"`

	// OpNames selects targets by their op name (the scope of the weights variable).
	// Each entry is either the exact name or a pattern for path.Match, e.g. "/model/*_conv/conv".
	OpNames []string `yaml:"op_names,omitempty" json:"op_names,omitempty"`

	// Sparsity is the final ratio of weights to prune on each selected layer, in [0, 1).
	Sparsity float64 `yaml:"sparsity,omitempty" json:"sparsity,omitempty"`

	// SparsityPerLayer is an alias to Sparsity. It is folded into Sparsity by ConfigList.Validate.
	SparsityPerLayer float64 `yaml:"sparsity_per_layer,omitempty" json:"sparsity_per_layer,omitempty"`

	// TotalSparsity is the final ratio of weights to prune over all the selected layers together.
	// Layers are pruned unevenly: one threshold is used for all of them.
	TotalSparsity float64 `yaml:"total_sparsity,omitempty" json:"total_sparsity,omitempty"`

	// MaxSparsityPerLayer caps the sparsity of any individual layer when using TotalSparsity.
	// If 0, layers are only capped to leave at least one output channel (or weight) alive.
	MaxSparsityPerLayer float64 `yaml:"max_sparsity_per_layer,omitempty" json:"max_sparsity_per_layer,omitempty"`

	// Exclude removes the selected layers from pruning.
	Exclude bool `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// IsGlobal returns whether the config uses a TotalSparsity shared among all its layers.
func (c *OpConfig) IsGlobal() bool {
	return c.TotalSparsity > 0
}

// TargetSparsity returns the final sparsity configured, either per layer or total.
func (c *OpConfig) TargetSparsity() float64 {
	if c.IsGlobal() {
		return c.TotalSparsity
	}
	return c.Sparsity
}

// String implements fmt.Stringer.
func (c *OpConfig) String() string {
	var parts []string
	if len(c.OpTypes) > 0 {
		parts = append(parts, fmt.Sprintf("op_types=%v", c.OpTypes))
	}
	if len(c.OpNames) > 0 {
		parts = append(parts, fmt.Sprintf("op_names=%v", c.OpNames))
	}
	switch {
	case c.Exclude:
		parts = append(parts, "exclude")
	case c.IsGlobal():
		parts = append(parts, fmt.Sprintf("total_sparsity=%.4g", c.TotalSparsity))
		if c.MaxSparsityPerLayer > 0 {
			parts = append(parts, fmt.Sprintf("max_sparsity_per_layer=%.4g", c.MaxSparsityPerLayer))
		}
	default:
		parts = append(parts, fmt.Sprintf("sparsity=%.4g", c.Sparsity))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// matchesType returns whether the opType is selected by the config.
// An empty OpTypes matches any type.
func (c *OpConfig) matchesType(opType string) bool {
	return len(c.OpTypes) == 0 || slices.Contains(c.OpTypes, opType)
}

// matchesName returns whether the opName is selected by the config.
// An empty OpNames matches any name.
func (c *OpConfig) matchesName(opName string) bool {
	if len(c.OpNames) == 0 {
		return true
	}
	for _, pattern := range c.OpNames {
		if pattern == opName {
			return true
		}
		if matched, err := path.Match(pattern, opName); err == nil && matched {
			return true
		}
	}
	return false
}

// Matches returns whether a layer of the given type and name is selected by the config.
func (c *OpConfig) Matches(opType, opName string) bool {
	return c.matchesType(opType) && c.matchesName(opName)
}

// ConfigList is an ordered list of OpConfig. When more than one entry matches a layer, the last one wins.
type ConfigList []OpConfig

// Validate checks the configuration and normalizes aliased fields.
func (cl ConfigList) Validate() error {
	if len(cl) == 0 {
		return errors.New("empty pruning config list")
	}
	knownTypes := []string{OpTypeConv2d, OpTypeLinear}
	for ii := range cl {
		c := &cl[ii]
		if len(c.OpTypes) == 0 && len(c.OpNames) == 0 {
			return errors.Errorf("config_list[%d] %s: either op_types or op_names must be set", ii, c)
		}
		for _, opType := range c.OpTypes {
			if !slices.Contains(knownTypes, opType) {
				return errors.Errorf("config_list[%d]: unknown op_type %q, valid values are %q", ii, opType, knownTypes)
			}
		}
		for _, pattern := range c.OpNames {
			if _, err := path.Match(pattern, ""); err != nil {
				return errors.Wrapf(err, "config_list[%d]: invalid op_names pattern %q", ii, pattern)
			}
		}
		if c.SparsityPerLayer != 0 {
			if c.Sparsity != 0 && c.Sparsity != c.SparsityPerLayer {
				return errors.Errorf("config_list[%d]: sparsity (%g) and sparsity_per_layer (%g) are aliases and "+
					"cannot be set to different values", ii, c.Sparsity, c.SparsityPerLayer)
			}
			c.Sparsity = c.SparsityPerLayer
			c.SparsityPerLayer = 0
		}
		if c.Exclude {
			continue
		}
		if (c.Sparsity > 0) == (c.TotalSparsity > 0) {
			return errors.Errorf("config_list[%d] %s: exactly one of sparsity or total_sparsity must be set", ii, c)
		}
		for name, value := range map[string]float64{
			"sparsity":               c.Sparsity,
			"total_sparsity":         c.TotalSparsity,
			"max_sparsity_per_layer": c.MaxSparsityPerLayer,
		} {
			if value < 0 || value >= 1 {
				return errors.Errorf("config_list[%d]: %s=%g must be in the range [0, 1)", ii, name, value)
			}
		}
		if c.MaxSparsityPerLayer > 0 && !c.IsGlobal() {
			return errors.Errorf("config_list[%d]: max_sparsity_per_layer can only be used with total_sparsity", ii)
		}
	}
	return nil
}

// Clone returns a deep copy of the config list.
func (cl ConfigList) Clone() ConfigList {
	newCL := make(ConfigList, len(cl))
	for ii, c := range cl {
		c.OpTypes = slices.Clone(c.OpTypes)
		c.OpNames = slices.Clone(c.OpNames)
		newCL[ii] = c
	}
	return newCL
}

// WithSparsityScaled returns a copy of the config list with the target sparsity of each entry mapped
// through scaleFn. Typically, it is used to derive the config list of an intermediary pruning iteration.
// The per-layer cap (MaxSparsityPerLayer) is not changed.
func (cl ConfigList) WithSparsityScaled(scaleFn func(target float64) float64) ConfigList {
	newCL := cl.Clone()
	for ii := range newCL {
		c := &newCL[ii]
		if c.Exclude {
			continue
		}
		if c.IsGlobal() {
			c.TotalSparsity = scaleFn(c.TotalSparsity)
		} else {
			c.Sparsity = scaleFn(c.Sparsity)
		}
	}
	return newCL
}

// String implements fmt.Stringer.
func (cl ConfigList) String() string {
	parts := make([]string, len(cl))
	for ii := range cl {
		parts[ii] = cl[ii].String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ParseConfigList parses a config list in YAML or JSON format, and validates it.
//
// Example:
//
//	- op_types: [Conv2d]
//	  sparsity: 0.8
//	- op_names: ["/model/000_conv/conv"]
//	  exclude: true
func ParseConfigList(data []byte) (ConfigList, error) {
	var cl ConfigList
	if err := yaml.Unmarshal(data, &cl); err != nil {
		return nil, errors.Wrap(err, "failed to parse pruning config list")
	}
	if err := cl.Validate(); err != nil {
		return nil, err
	}
	return cl, nil
}

// LoadConfigList reads and parses the pruning config list from the file in filePath.
// A "~" prefix in the path is replaced by the user's home directory.
func LoadConfigList(filePath string) (ConfigList, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pruning config list from %q", filePath)
	}
	cl, err := ParseConfigList(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in file %q", filePath)
	}
	return cl, nil
}
