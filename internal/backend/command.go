package backend

import (
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/valrun/internal/ssh"
	"github.com/3cpo-dev/valrun/internal/task"
)

// DefaultInterpreters maps a lower-case script extension to the command that
// runs it.
func DefaultInterpreters() map[string][]string {
	return map[string][]string{
		"py": {"basf2"},
		"c":  {"root", "-b", "-q"},
	}
}

// BuildCommand returns the argv that runs script for t. Scripts without a
// known interpreter are executed directly.
func BuildCommand(t *task.Task, script string, interpreters map[string][]string, options string) []string {
	var argv []string
	argv = append(argv, interpreters[t.Extension()]...)
	argv = append(argv, script)
	argv = append(argv, strings.Fields(options)...)
	return argv
}

// WorkDir is where a task's artifacts and log for a tagged run are written.
func WorkDir(root, tag string, t *task.Task) string {
	if tag == "" {
		tag = "current"
	}
	return filepath.Join(root, tag, t.Package)
}

// LogName is the file receiving a task's combined output.
func LogName(t *task.Task) string { return t.Name + ".log" }

func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = ssh.Quote(a)
	}
	return strings.Join(parts, " ")
}
