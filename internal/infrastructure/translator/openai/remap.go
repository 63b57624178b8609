package openai

// remapFunctionArgs fixes argument names the model reliably gets wrong for
// well-known coding-agent tools. A paths list collapses to its first element
// for every tool. The result is a fresh map; the upstream part is untouched.
func remapFunctionArgs(name string, args map[string]any) map[string]any {
	if name == "EnterPlanMode" {
		return map[string]any{}
	}

	remapped := make(map[string]any, len(args))
	for k, v := range args {
		remapped[k] = v
	}

	switch name {
	case "grep":
		renameArg(remapped, "description", "pattern")
		renameArg(remapped, "query", "pattern")
	case "glob":
		renameArg(remapped, "description", "pattern")
	case "search":
		renameArg(remapped, "query", "pattern")
	}

	if paths, ok := remapped["paths"].([]any); ok && len(paths) > 0 {
		if _, exists := remapped["path"]; !exists {
			remapped["path"] = paths[0]
		}
		delete(remapped, "paths")
	}
	return remapped
}

// renameArg moves a value to its canonical key, never clobbering one the
// model already set.
func renameArg(args map[string]any, from, to string) {
	v, ok := args[from]
	if !ok {
		return
	}
	if _, exists := args[to]; !exists {
		args[to] = v
	}
	delete(args, from)
}
