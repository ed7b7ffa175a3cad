package harness

import "fmt"

// The result is encoded by the first strategy that succeeds: native JSON,
// the object's attribute mapping, then its string form.
const pythonRunTrailer = `%s

import asyncio as _cr_asyncio
import inspect as _cr_inspect
import json as _cr_json

configurations = _cr_json.loads('%s')
parameters = _cr_json.loads('%s')


def _cr_encode(value):
    try:
        return _cr_json.dumps(value)
    except (TypeError, ValueError):
        pass
    mapping = getattr(value, "__dict__", None)
    if isinstance(mapping, dict):
        return _cr_json.dumps(mapping, default=str)
    return _cr_json.dumps(str(value))


async def _cr_await(value):
    return await value


result = run(configurations, parameters)
if _cr_inspect.isawaitable(result):
    result = _cr_asyncio.run(_cr_await(result))
print(%q, flush=True)
print(_cr_encode(result), flush=True)
print(%q, flush=True)
`

const pythonDefinitionTrailer = `%s

import json as _cr_json

print(%q, flush=True)
print(_cr_json.dumps(definition, default=str), flush=True)
print(%q, flush=True)
`

// Python wraps a Python entrypoint so that it runs run(configurations,
// parameters), awaiting the result when it is awaitable.
func Python(code string, configurations, parameters any) (string, error) {
	cfg, err := Literal(configurations)
	if err != nil {
		return "", fmt.Errorf("configurations: %w", err)
	}
	params, err := Literal(parameters)
	if err != nil {
		return "", fmt.Errorf("parameters: %w", err)
	}
	return fmt.Sprintf(pythonRunTrailer, code, cfg, params, ResultStart, ResultEnd), nil
}

// PythonDefinition wraps a Python entrypoint so that it prints its module
// level definition value.
func PythonDefinition(code string) string {
	return fmt.Sprintf(pythonDefinitionTrailer, code, DefinitionStart, DefinitionEnd)
}
