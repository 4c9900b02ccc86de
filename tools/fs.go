package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/strandlabs/strand/filepool"
	"github.com/strandlabs/strand/sandbox"
)

// FsRead reads a file inside the sandbox.
type FsRead struct {
	SB sandbox.Sandbox
}

func (t *FsRead) Name() string        { return "fs_read" }
func (t *FsRead) Description() string { return "Read the contents of a file in the working directory" }

func (t *FsRead) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path to read"},
		},
		"required": []any{"path"},
	}
}

func (t *FsRead) Execute(ctx context.Context, input map[string]any) (*Outcome, error) {
	path, _ := input["path"].(string)
	data, err := t.SB.ReadFile(ctx, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Fail(t.Name(), ErrTypeRuntime, fmt.Sprintf("file not found: %s", path)), nil
		}
		return Fail(t.Name(), ErrTypeRuntime, err.Error()), nil
	}
	return Ok(string(data)), nil
}

// FsWrite writes a file inside the sandbox. When a Pool is attached, writes
// to existing files require the file to be fresh (read and unchanged since).
type FsWrite struct {
	SB   sandbox.Sandbox
	Pool *filepool.Pool
}

func (t *FsWrite) Name() string { return "fs_write" }
func (t *FsWrite) Description() string {
	return "Write content to a file in the working directory, creating or replacing it"
}

func (t *FsWrite) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path to write"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *FsWrite) Execute(ctx context.Context, input map[string]any) (*Outcome, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)

	if t.Pool != nil {
		check, err := t.Pool.ValidateWrite(ctx, path)
		if err != nil {
			return Fail(t.Name(), ErrTypeRuntime, err.Error()), nil
		}
		if !check.IsFresh && !check.CurrentMtime.IsZero() {
			return Fail(t.Name(), ErrTypeLogical,
				fmt.Sprintf("file %s changed since it was last read", path)), nil
		}
	}
	if err := t.SB.WriteFile(ctx, path, []byte(content)); err != nil {
		return Fail(t.Name(), ErrTypeRuntime, err.Error()), nil
	}
	return Ok(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

// FsEdit replaces an exact substring in a file.
type FsEdit struct {
	SB   sandbox.Sandbox
	Pool *filepool.Pool
}

func (t *FsEdit) Name() string { return "fs_edit" }
func (t *FsEdit) Description() string {
	return "Replace an exact string in a file with a new string"
}

func (t *FsEdit) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "File path to edit"},
			"old_string": map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_string": map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []any{"path", "old_string", "new_string"},
	}
}

func (t *FsEdit) Execute(ctx context.Context, input map[string]any) (*Outcome, error) {
	path, _ := input["path"].(string)
	oldStr, _ := input["old_string"].(string)
	newStr, _ := input["new_string"].(string)

	if t.Pool != nil {
		check, err := t.Pool.ValidateWrite(ctx, path)
		if err != nil {
			return Fail(t.Name(), ErrTypeRuntime, err.Error()), nil
		}
		if !check.IsFresh {
			return Fail(t.Name(), ErrTypeLogical,
				fmt.Sprintf("file %s must be read before editing", path)), nil
		}
	}

	data, err := t.SB.ReadFile(ctx, path)
	if err != nil {
		return Fail(t.Name(), ErrTypeRuntime, err.Error()), nil
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return Fail(t.Name(), ErrTypeLogical, "old_string not found in file"), nil
	}
	if count > 1 {
		return Fail(t.Name(), ErrTypeLogical,
			fmt.Sprintf("old_string occurs %d times; provide more context to make it unique", count)), nil
	}
	content = strings.Replace(content, oldStr, newStr, 1)
	if err := t.SB.WriteFile(ctx, path, []byte(content)); err != nil {
		return Fail(t.Name(), ErrTypeRuntime, err.Error()), nil
	}
	return Ok(fmt.Sprintf("edited %s", path)), nil
}

var (
	_ Tool = (*FsRead)(nil)
	_ Tool = (*FsWrite)(nil)
	_ Tool = (*FsEdit)(nil)
)
