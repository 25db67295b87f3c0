package nativesvc

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// unitSpec is the content of a generated systemd unit
type unitSpec struct {
	Name       string
	Args       []string
	WorkingDir string
	Version    *semver.Version
	// WantedBy is default.target for user units, multi-user.target for system units
	WantedBy string
}

// buildSystemdUnit generates the systemd unit file content
func buildSystemdUnit(u unitSpec) (string, error) {
	if len(u.Args) == 0 {
		return "", ErrNoArguments
	}
	if u.Version == nil {
		return "", ErrNoVersion
	}

	var unit strings.Builder

	unit.WriteString("[Unit]\n")
	unit.WriteString(fmt.Sprintf("Description=%s service\n", u.Name))
	unit.WriteString("After=network.target\n")
	unit.WriteString("# Managed by go-nativesvc\n")
	unit.WriteString("\n")

	unit.WriteString("[Service]\n")
	unit.WriteString("Type=simple\n")

	parts := make([]string, 0, len(u.Args))
	for _, a := range u.Args {
		parts = append(parts, quoteExecArg(a))
	}
	unit.WriteString(fmt.Sprintf("ExecStart=%s\n", strings.Join(parts, " ")))
	unit.WriteString(fmt.Sprintf("WorkingDirectory=%s\n", strings.ReplaceAll(u.WorkingDir, "%", "%%")))
	unit.WriteString("Restart=always\n")
	unit.WriteString("RestartSec=5\n")
	unit.WriteString("\n")
	unit.WriteString(fmt.Sprintf("Environment=\"VERSION=%s\"\n", u.Version.String()))
	unit.WriteString("\n")

	unit.WriteString("[Install]\n")
	unit.WriteString(fmt.Sprintf("WantedBy=%s\n", u.WantedBy))

	return unit.String(), nil
}

// quoteExecArg renders one argument for ExecStart. systemd expands % and $
// in command lines, so both are doubled.
func quoteExecArg(arg string) string {
	escaped := strings.NewReplacer(`%`, `%%`, `$`, `$$`).Replace(arg)
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\;") {
		return escaped
	}
	escaped = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`).Replace(escaped)
	return `"` + escaped + `"`
}

// unitVersion extracts VERSION from the Environment= lines of a unit file
func unitVersion(content string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		value, ok := strings.CutPrefix(line, "Environment=")
		if !ok {
			continue
		}
		for _, assignment := range splitEnvAssignments(value) {
			if v, ok := strings.CutPrefix(assignment, "VERSION="); ok {
				return v, true
			}
		}
	}
	return "", false
}

// splitEnvAssignments splits an Environment= value into its assignments,
// honouring double quotes and backslash escapes
func splitEnvAssignments(value string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		escaped bool
		started bool
	)
	for _, r := range value {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
			started = true
		case (r == ' ' || r == '\t') && !inQuote:
			if started {
				out = append(out, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		out = append(out, cur.String())
	}
	return out
}
