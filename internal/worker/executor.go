package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// maxToolOutput caps the text returned from a single tool call.
const maxToolOutput = 30000

// Toolbox executes tool calls from the model against one repository tree.
// File paths are confined to the repository root: relative paths resolve
// against it and absolute paths must fall inside it.
type Toolbox struct {
	root string
}

// NewToolbox creates a toolbox rooted at the given repository path.
func NewToolbox(root string) *Toolbox {
	return &Toolbox{root: filepath.Clean(root)}
}

// ToolResult is the outcome of a single tool execution.
type ToolResult struct {
	Content string
	IsError bool
}

func toolError(format string, args ...any) ToolResult {
	return ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Execute runs a tool by name with the given JSON input.
func (b *Toolbox) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	switch name {
	case "read_file":
		return b.readFile(input)
	case "write_file":
		return b.writeFile(input)
	case "edit_file":
		return b.editFile(input)
	case "list_directory":
		return b.listDirectory(input)
	case "run_command":
		return b.runCommand(ctx, input)
	default:
		return toolError("unknown tool: %s", name)
	}
}

// resolve maps a tool-supplied path onto the repository tree and rejects
// anything that escapes it.
func (b *Toolbox) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(b.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the repository", path)
	}
	return p, nil
}

func (b *Toolbox) readFile(input json.RawMessage) ToolResult {
	var params struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	path, err := b.resolve(params.Path)
	if err != nil {
		return toolError("%v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return toolError("failed to read file: %v", err)
	}

	lines := strings.Split(string(content), "\n")

	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return toolError("offset %d is beyond the end of the file (%d lines)", params.Offset, len(lines))
		}
	}

	end := len(lines)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(lines))
	}

	var out strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&out, "%6d\t%s\n", i+1, lines[i])
	}

	return ToolResult{Content: out.String()}
}

func (b *Toolbox) writeFile(input json.RawMessage) ToolResult {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	path, err := b.resolve(params.Path)
	if err != nil {
		return toolError("%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return toolError("failed to create directory: %v", err)
	}

	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return toolError("failed to write file: %v", err)
	}

	return ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path)}
}

func (b *Toolbox) editFile(input json.RawMessage) ToolResult {
	var params struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	path, err := b.resolve(params.Path)
	if err != nil {
		return toolError("%v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return toolError("failed to read file: %v", err)
	}

	text := string(content)
	count := strings.Count(text, params.OldString)
	if count == 0 {
		return toolError("old_string not found in file")
	}
	if !params.ReplaceAll && count > 1 {
		return toolError("old_string found %d times; must be unique or use replace_all=true", count)
	}

	var updated string
	if params.ReplaceAll {
		updated = strings.ReplaceAll(text, params.OldString, params.NewString)
	} else {
		updated = strings.Replace(text, params.OldString, params.NewString, 1)
	}

	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return toolError("failed to write file: %v", err)
	}

	if params.ReplaceAll {
		return ToolResult{Content: fmt.Sprintf("replaced %d occurrences", count)}
	}
	return ToolResult{Content: "edit applied"}
}

func (b *Toolbox) listDirectory(input json.RawMessage) ToolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	path, err := b.resolve(params.Path)
	if err != nil {
		return toolError("%v", err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return toolError("failed to read directory: %v", err)
	}

	var out strings.Builder
	for _, entry := range entries {
		info, ierr := entry.Info()
		switch {
		case entry.IsDir():
			fmt.Fprintf(&out, "d %s/\n", entry.Name())
		case ierr == nil:
			fmt.Fprintf(&out, "- %s (%d bytes)\n", entry.Name(), info.Size())
		default:
			fmt.Fprintf(&out, "? %s\n", entry.Name())
		}
	}

	return ToolResult{Content: out.String()}
}

func (b *Toolbox) runCommand(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}
	if params.Command == "" {
		return toolError("command is required")
	}

	timeout := 120 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", params.Command)
	cmd.Dir = b.root

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return toolError("command timed out after %v:\n%s", timeout, truncateOutput(string(output)))
		}
		return toolError("%s\nerror: %v", truncateOutput(string(output)), err)
	}

	return ToolResult{Content: truncateOutput(string(output))}
}

func truncateOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}

// describeAction returns a short human-readable line for a tool call,
// used in worker log output.
func describeAction(name string, input json.RawMessage) string {
	var p struct {
		Path    string `json:"path"`
		Command string `json:"command"`
	}
	json.Unmarshal(input, &p)

	switch name {
	case "read_file":
		return "reading " + p.Path
	case "write_file":
		return "writing " + p.Path
	case "edit_file":
		return "editing " + p.Path
	case "list_directory":
		return "listing " + p.Path
	case "run_command":
		cmd := p.Command
		if len(cmd) > 60 {
			cmd = cmd[:57] + "..."
		}
		return "running " + cmd
	default:
		return name
	}
}
