package tools

import "strings"

// family extracts the tool family from a name: "fs_read" → "fs".
func family(toolName string) string {
	if i := strings.IndexByte(toolName, '_'); i > 0 {
		return toolName[:i]
	}
	return toolName
}

// Recommend returns remediation hints for a failed call, keyed by error type
// and tool family. The model reads these verbatim, so they are written as
// instructions.
func Recommend(errType, toolName string) []string {
	var out []string
	switch errType {
	case ErrTypeValidation:
		out = append(out, "Check the tool's input_schema and correct the argument types and required fields.")
	case ErrTypeRuntime:
		out = append(out, "The failure may be transient; retry once before changing approach.")
	case ErrTypeLogical:
		out = append(out, "A precondition was not met; re-establish it before retrying.")
	case ErrTypeAborted:
		out = append(out, "The call was cancelled or timed out; retry with a smaller scope if appropriate.")
	case ErrTypeException:
		out = append(out, "An unexpected error occurred inside the tool; try a different approach.")
	}
	switch family(toolName) {
	case "fs":
		switch errType {
		case ErrTypeLogical:
			out = append(out, "Read the file again with fs_read to refresh its contents before writing.")
		case ErrTypeRuntime:
			out = append(out, "Verify the path exists inside the working directory.")
		}
	}
	return out
}
