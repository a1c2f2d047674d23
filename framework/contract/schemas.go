package contract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lexcodex/goalloop/framework"
)

const planSchema = `{
  "type": "object",
  "required": ["stage", "tasks"],
  "properties": {
    "stage": {"const": "Plan"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "name", "objective", "inputs", "outputs", "acceptance"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "objective": {"type": "string", "minLength": 1},
          "inputs": {"type": "object"},
          "outputs": {"type": "object"},
          "actions": {"type": "array", "items": {"type": "string"}},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "acceptance": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const assignSchema = `{
  "type": "object",
  "required": ["stage", "assignments"],
  "properties": {
    "stage": {"const": "Assign"},
    "assignments": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["task_id", "executor", "params"],
        "properties": {
          "task_id": {"type": "string", "minLength": 1},
          "executor": {"type": "string", "minLength": 1},
          "params": {"type": "object"},
          "timeout_ms": {"type": "integer", "minimum": 0},
          "retries": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

const criticSchema = `{
  "type": "object",
  "required": ["stage", "success", "next"],
  "properties": {
    "stage": {"const": "Critic"},
    "task_id": {"type": "string"},
    "success": {"type": "boolean"},
    "progress": {"type": "boolean"},
    "critic": {"type": "string"},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "next": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": {"enum": ["continue", "retry", "replan", "skip"]}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schemas    map[framework.StageName]*jsonschema.Schema
	schemaErr  error
)

func compiledSchemas() (map[framework.StageName]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		sources := map[framework.StageName]string{
			framework.StagePlan:   planSchema,
			framework.StageAssign: assignSchema,
			framework.StageCritic: criticSchema,
		}
		compiled := make(map[framework.StageName]*jsonschema.Schema, len(sources))
		for stage, source := range sources {
			url := strings.ToLower(string(stage)) + ".json"
			c := jsonschema.NewCompiler()
			if err := c.AddResource(url, strings.NewReader(source)); err != nil {
				schemaErr = fmt.Errorf("add %s schema: %w", stage, err)
				return
			}
			schema, err := c.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("compile %s schema: %w", stage, err)
				return
			}
			compiled[stage] = schema
		}
		schemas = compiled
	})
	return schemas, schemaErr
}
