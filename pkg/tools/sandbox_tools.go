package tools

import (
	"context"
	"encoding/json"

	"agentd/pkg/sandbox"
)

// Tool names.
const (
	ToolView = "view"
	ToolEdit = "edit"
	ToolBash = "bash"
	ToolGlob = "glob"
	ToolGrep = "grep"
	ToolLs   = "ls"
)

// NewSandboxRegistry registers the six sandbox tools.
func NewSandboxRegistry(sb *sandbox.Sandbox) *Registry {
	r := NewRegistry()
	for _, t := range []Tool{
		&viewTool{sb: sb},
		&editTool{sb: sb},
		&bashTool{sb: sb},
		&globTool{sb: sb},
		&grepTool{sb: sb},
		&lsTool{sb: sb},
	} {
		_ = r.Register(t) // names are distinct constants
	}
	return r
}

func fromSandbox(res sandbox.Result) *ExecResult {
	body := map[string]any{
		"success": res.Success,
		"output":  res.Output,
	}
	if res.Error != "" {
		body["error"] = res.Error
	}
	if res.Truncated {
		body["truncated"] = true
	}
	if res.TotalLines > 0 {
		body["total_lines"] = res.TotalLines
	}
	if res.ExitCode != 0 {
		body["exit_code"] = res.ExitCode
	}
	content, _ := json.Marshal(body)
	return &ExecResult{Content: string(content), IsError: !res.Success}
}

func pathProperty(desc string) Property {
	return Property{Type: "string", Description: desc}
}

type viewTool struct{ sb *sandbox.Sandbox }

func (t *viewTool) Name() string { return ToolView }

func (t *viewTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolView,
		Description: "Read a file with numbered lines. Use offset and limit to page through large files.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":   pathProperty("Path relative to the workspace root"),
				"offset": {Type: "integer", Description: "1-based line to start from (default 1)"},
				"limit":  {Type: "integer", Description: "Maximum lines to return (default 200)"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *viewTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := requiredString(args, "path")
	if err != nil {
		return nil, err
	}
	return fromSandbox(t.sb.View(path, intArgOrDefault(args, "offset", 1), intArgOrDefault(args, "limit", 0))), nil
}

func (t *viewTool) PromptDocumentation() string {
	return `- **view** - Read a file with line numbers
  - Parameters: path (string, REQUIRED), offset (integer), limit (integer)`
}

type editTool struct{ sb *sandbox.Sandbox }

func (t *editTool) Name() string { return ToolEdit }

func (t *editTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolEdit,
		Description: "Replace an exact string in a file. old_string must occur exactly once; include surrounding context to make it unique.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":       pathProperty("Path relative to the workspace root"),
				"old_string": {Type: "string", Description: "Exact text to replace. Must match exactly one location."},
				"new_string": {Type: "string", Description: "Replacement text. Empty string deletes the match."},
			},
			Required: []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *editTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := requiredString(args, "path")
	if err != nil {
		return nil, err
	}
	oldString, err := requiredString(args, "old_string")
	if err != nil {
		return nil, err
	}
	newString, _ := stringArg(args, "new_string")
	return fromSandbox(t.sb.Edit(path, oldString, newString)), nil
}

func (t *editTool) PermissionAction(args map[string]any) Action {
	path, _ := stringArg(args, "path")
	return Action{Type: ToolEdit, Descriptor: path, Details: args}
}

func (t *editTool) PromptDocumentation() string {
	return `- **edit** - Replace a unique string in a file
  - Parameters: path (string, REQUIRED), old_string (string, REQUIRED), new_string (string, REQUIRED)
  - Fails if old_string matches zero or several locations`
}

type bashTool struct{ sb *sandbox.Sandbox }

func (t *bashTool) Name() string { return ToolBash }

func (t *bashTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolBash,
		Description: "Run a shell command in the workspace. Non-zero exit codes are reported with stderr.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {Type: "string", Description: "Command passed to sh -c"},
				"timeout": {Type: "integer", Description: "Timeout in seconds (default 120)"},
				"cwd":     pathProperty("Working directory relative to the workspace root"),
			},
			Required: []string{"command"},
		},
	}
}

func (t *bashTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, err := requiredString(args, "command")
	if err != nil {
		return nil, err
	}
	cwd, _ := stringArg(args, "cwd")
	return fromSandbox(t.sb.Bash(ctx, command, secondsArg(args, "timeout"), cwd)), nil
}

func (t *bashTool) PermissionAction(args map[string]any) Action {
	command, _ := stringArg(args, "command")
	return Action{Type: ToolBash, Descriptor: command, Details: args}
}

func (t *bashTool) PromptDocumentation() string {
	return `- **bash** - Run a shell command in the workspace
  - Parameters: command (string, REQUIRED), timeout (integer seconds), cwd (string)`
}

type globTool struct{ sb *sandbox.Sandbox }

func (t *globTool) Name() string { return ToolGlob }

func (t *globTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGlob,
		Description: "Find files by pattern. Supports * and **. Hidden files and dependency directories are skipped.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Glob such as **/*.go"},
				"path":    pathProperty("Directory to search (default: workspace root)"),
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *globTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	pattern, err := requiredString(args, "pattern")
	if err != nil {
		return nil, err
	}
	path, _ := stringArg(args, "path")
	return fromSandbox(t.sb.Glob(pattern, path)), nil
}

func (t *globTool) PromptDocumentation() string {
	return `- **glob** - Find files matching a pattern
  - Parameters: pattern (string, REQUIRED), path (string)`
}

type grepTool struct{ sb *sandbox.Sandbox }

func (t *grepTool) Name() string { return ToolGrep }

func (t *grepTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGrep,
		Description: "Search file contents with a regular expression. Returns file:line:text matches.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Basic regular expression"},
				"path":    pathProperty("Directory or file to search (default: workspace root)"),
				"include": {Type: "string", Description: "Only search files matching this glob, e.g. *.go"},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *grepTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	pattern, err := requiredString(args, "pattern")
	if err != nil {
		return nil, err
	}
	path, _ := stringArg(args, "path")
	include, _ := stringArg(args, "include")
	return fromSandbox(t.sb.Grep(ctx, pattern, path, include)), nil
}

func (t *grepTool) PromptDocumentation() string {
	return `- **grep** - Search file contents
  - Parameters: pattern (string, REQUIRED), path (string), include (string)`
}

type lsTool struct{ sb *sandbox.Sandbox }

func (t *lsTool) Name() string { return ToolLs }

func (t *lsTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolLs,
		Description: "List a directory. Each line is <type>\\t<name> where type is dir, file, or symlink.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": pathProperty("Directory relative to the workspace root (default: root)"),
			},
		},
	}
}

func (t *lsTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, _ := stringArg(args, "path")
	return fromSandbox(t.sb.Ls(path)), nil
}

func (t *lsTool) PromptDocumentation() string {
	return `- **ls** - List a directory
  - Parameters: path (string)`
}
