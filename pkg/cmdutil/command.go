// Package cmdutil converts deploy commands between their YAML forms and
// the single shell string handed to sh -c.
package cmdutil

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ParseCommandString splits a shell-quoted command string into words.
//
// Example:
//
//	"git commit -m \"my message\"" -> ["git", "commit", "-m", "my message"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// ShellCommand normalizes a deploy command from YAML into one shell string.
// A string is used verbatim (it may contain pipes, && and so on) once its
// quoting is known to be balanced. A list is treated as argv and quoted word
// by word so it runs exactly as written.
func ShellCommand(cmd interface{}) (string, error) {
	switch v := cmd.(type) {
	case nil:
		return "", fmt.Errorf("missing command")
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("empty command string")
		}
		if _, err := ParseCommandString(v); err != nil {
			return "", err
		}
		return v, nil
	case []string:
		if len(v) == 0 {
			return "", fmt.Errorf("empty command list")
		}
		return shellquote.Join(v...), nil
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("command list item %d is not a string: %T", i, item)
			}
			parts[i] = str
		}
		if len(parts) == 0 {
			return "", fmt.Errorf("empty command list")
		}
		return shellquote.Join(parts...), nil
	default:
		return "", fmt.Errorf("invalid command type: %T (must be string or list)", cmd)
	}
}

// FormatCommand shortens a command for single-line log output
func FormatCommand(command string, max int) string {
	oneLine := strings.Join(strings.Fields(command), " ")
	if max <= 3 || len(oneLine) <= max {
		return oneLine
	}
	return oneLine[:max-3] + "..."
}
