package provisioner

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// buildScript turns the evaluated provisioner arguments into one script
// body. Exactly one of inline and script may be set: inline commands are
// joined into a shell script, a script path is read verbatim so the file
// keeps its own interpreter line.
func buildScript(args map[string]cty.Value) (string, error) {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key != "inline" && key != "script" {
			return "", fmt.Errorf("unsupported provisioner attribute %q", key)
		}
		if !args[key].IsWhollyKnown() {
			return "", fmt.Errorf("provisioner attribute %q has no known value", key)
		}
	}

	inlineVal, hasInline := args["inline"]
	if hasInline && inlineVal.IsNull() {
		hasInline = false
	}
	scriptVal, hasScript := args["script"]
	if hasScript && scriptVal.IsNull() {
		hasScript = false
	}

	switch {
	case hasInline && hasScript:
		return "", fmt.Errorf("inline and script are mutually exclusive")
	case hasInline:
		return composeInline(inlineVal)
	case hasScript:
		return readScript(scriptVal)
	default:
		return "", fmt.Errorf("either inline commands or a script path is required")
	}
}

// composeInline joins the commands under a /bin/sh interpreter line. The
// script's exit status is the last command's, matching plain shell
// semantics; commands that must abort the run early belong in a script
// with set -e.
func composeInline(v cty.Value) (string, error) {
	if !v.CanIterateElements() {
		return "", fmt.Errorf("inline must be a list of commands")
	}

	var lines []string
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.IsNull() {
			return "", fmt.Errorf("inline commands must not be null")
		}
		conv, err := convert.Convert(elem, cty.String)
		if err != nil {
			return "", fmt.Errorf("inline commands must be strings: %w", err)
		}
		lines = append(lines, conv.AsString())
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("inline must carry at least one command")
	}

	return "#!/bin/sh\n" + strings.Join(lines, "\n") + "\n", nil
}

func readScript(v cty.Value) (string, error) {
	conv, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("script must be a path string: %w", err)
	}
	path := conv.AsString()
	if path == "" {
		return "", fmt.Errorf("script path must not be empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	if len(content) == 0 {
		return "", fmt.Errorf("script %s is empty", path)
	}
	return string(content), nil
}
