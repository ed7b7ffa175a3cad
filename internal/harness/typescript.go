package harness

import "fmt"

const typescriptRunTrailer = `%s

const configurations = JSON.parse('%s');
const parameters = JSON.parse('%s');

const result = await run(configurations, parameters);
console.log(%q);
console.log(JSON.stringify(result === undefined ? null : result));
console.log(%q);
`

const typescriptDefinitionTrailer = `%s

console.log(%q);
console.log(JSON.stringify(definition));
console.log(%q);
`

// TypeScript wraps a TypeScript entrypoint so that it runs the exported run
// function with the given configuration and parameters.
func TypeScript(code string, configurations, parameters any) (string, error) {
	cfg, err := Literal(configurations)
	if err != nil {
		return "", fmt.Errorf("configurations: %w", err)
	}
	params, err := Literal(parameters)
	if err != nil {
		return "", fmt.Errorf("parameters: %w", err)
	}
	return fmt.Sprintf(typescriptRunTrailer, code, cfg, params, ResultStart, ResultEnd), nil
}

// TypeScriptDefinition wraps a TypeScript entrypoint so that it prints its
// exported definition object.
func TypeScriptDefinition(code string) string {
	return fmt.Sprintf(typescriptDefinitionTrailer, code, DefinitionStart, DefinitionEnd)
}
