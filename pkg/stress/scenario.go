package stress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// scenarioSchemaJSON constrains the shape of a scenario YAML file the
// same way pkg/firewall/firewall.go constrains tool-call params:
// compiled once, reused for every file loaded.
const scenarioSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["scenario_id", "name", "category", "domain", "stress_config", "edge_cases"],
  "properties": {
    "scenario_id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "domain": {"type": "string"},
    "stress_config": {
      "type": "object",
      "required": ["budget_tiers", "tolerance_sweep"],
      "properties": {
        "budget_tiers": {"type": "array", "minItems": 1},
        "tolerance_sweep": {
          "type": "object",
          "required": ["absolute", "relative"]
        }
      }
    },
    "edge_cases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["case_id", "category", "problem", "expected_result"],
        "properties": {
          "expected_result": {
            "type": "object",
            "required": ["outcome", "confidence_min"]
          }
        }
      }
    }
  }
}`

var scenarioSchemaURL = "https://quintet.schemas.local/stress/scenario.schema.json"

// ScenarioLoader parses and validates stress scenario YAML files
// against a compiled JSON Schema before handing back typed structs.
type ScenarioLoader struct {
	schema *jsonschema.Schema
}

// NewScenarioLoader compiles the scenario schema once.
func NewScenarioLoader() (*ScenarioLoader, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(scenarioSchemaURL, strings.NewReader(scenarioSchemaJSON)); err != nil {
		return nil, fmt.Errorf("stress: scenario schema load: %w", err)
	}
	compiled, err := c.Compile(scenarioSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("stress: scenario schema compile: %w", err)
	}
	return &ScenarioLoader{schema: compiled}, nil
}

// LoadFile reads one scenario YAML file, validates it against the
// schema, and unmarshals it into a contracts.StressScenario.
func (l *ScenarioLoader) LoadFile(path string) (contracts.StressScenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return contracts.StressScenario{}, fmt.Errorf("stress: read scenario %s: %w", path, err)
	}
	return l.LoadBytes(raw)
}

// LoadBytes validates and unmarshals scenario YAML from memory.
func (l *ScenarioLoader) LoadBytes(raw []byte) (contracts.StressScenario, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return contracts.StressScenario{}, fmt.Errorf("stress: parse scenario yaml: %w", err)
	}

	if err := l.schema.Validate(yamlToJSONCompatible(generic)); err != nil {
		return contracts.StressScenario{}, fmt.Errorf("stress: scenario schema validation: %w", err)
	}

	var scenario contracts.StressScenario
	if err := yaml.Unmarshal(raw, &scenario); err != nil {
		return contracts.StressScenario{}, fmt.Errorf("stress: decode scenario: %w", err)
	}
	return scenario, nil
}

// LoadDir loads and validates every *.yaml/*.yml file in dir.
func (l *ScenarioLoader) LoadDir(dir string) ([]contracts.StressScenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("stress: read scenario dir %s: %w", dir, err)
	}

	var scenarios []contracts.StressScenario
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		scenario, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, scenario)
	}
	return scenarios, nil
}

// yamlToJSONCompatible recursively converts yaml.v3's
// map[string]interface{} decode output into the map[string]interface{}
// jsonschema expects, since yaml.v3 already decodes mappings as
// string-keyed (unlike yaml.v2's map[interface{}]interface{}) but
// nested sequences/maps still need a plain walk for the validator.
func yamlToJSONCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = yamlToJSONCompatible(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = yamlToJSONCompatible(item)
		}
		return out
	default:
		return val
	}
}
