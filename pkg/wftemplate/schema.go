package wftemplate

import "github.com/invopop/jsonschema"

// Schema reflects the template file's external JSON shape (definitionDTO)
// into a JSON Schema document for external tooling (template authoring
// and the `arranger schema` CLI command).
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&definitionDTO{})
	schema.ID = "https://arranger.dev/schemas/workflow-template.json"
	schema.Title = "Workflow Template"
	schema.Description = "A workflow definition file: phases, dependencies, scenario tags, entry auto-tasks, and exit gates."
	return schema
}
