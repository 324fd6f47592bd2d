package worker

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// ToolDefinitions returns the tool schemas offered to the model. The set is
// deliberately small: file inspection and mutation inside the objective's
// repository, plus shell access for builds and tests.
func ToolDefinitions() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        "read_file",
				Description: anthropic.String("Read a file from the repository. Returns file contents with line numbers."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, relative to the repository root",
						},
						"offset": map[string]interface{}{
							"type":        "integer",
							"description": "Line number to start reading from (1-indexed, optional)",
						},
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum number of lines to read (optional)",
						},
					},
					Required: []string{"path"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "write_file",
				Description: anthropic.String("Write content to a file in the repository. Creates parent directories if needed."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, relative to the repository root",
						},
						"content": map[string]interface{}{
							"type":        "string",
							"description": "Content to write to the file",
						},
					},
					Required: []string{"path", "content"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "edit_file",
				Description: anthropic.String("Edit a file by replacing text. The old_string must be unique unless replace_all is true."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, relative to the repository root",
						},
						"old_string": map[string]interface{}{
							"type":        "string",
							"description": "The exact text to find and replace",
						},
						"new_string": map[string]interface{}{
							"type":        "string",
							"description": "The text to replace it with",
						},
						"replace_all": map[string]interface{}{
							"type":        "boolean",
							"description": "If true, replace all occurrences (default: false)",
						},
					},
					Required: []string{"path", "old_string", "new_string"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "list_directory",
				Description: anthropic.String("List the contents of a directory in the repository."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Directory path relative to the repository root ('.' for the root itself)",
						},
					},
					Required: []string{"path"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "run_command",
				Description: anthropic.String("Run a shell command from the repository root and return its combined output."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"command": map[string]interface{}{
							"type":        "string",
							"description": "The shell command to run",
						},
						"timeout": map[string]interface{}{
							"type":        "integer",
							"description": "Timeout in milliseconds (optional, default 120000)",
						},
					},
					Required: []string{"command"},
				},
			},
		},
	}
}
