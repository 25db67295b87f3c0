// Package marker reads and writes the marker file a supervisor leaves next
// to the service: one line holding the payload PID and, when known, the
// process creation time in CIM datetime form ("pid,yyyymmddHHMMSS.ffffff+UUU").
package marker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/axondata/go-nativesvc/internal/atomicfile"
)

// ErrMalformed indicates the marker file content could not be parsed
var ErrMalformed = errors.New("marker: malformed")

// MatchTolerance absorbs the precision difference between the recorded
// creation time and the one reported by the process table
const MatchTolerance = time.Second

// Marker identifies one running payload process
type Marker struct {
	PID int
	// Created is the process creation time; zero when the writer could not
	// determine it
	Created time.Time
}

// HasCreated reports whether a creation time was recorded
func (m Marker) HasCreated() bool {
	return !m.Created.IsZero()
}

// Matches reports whether created identifies the same process as the marker.
// A marker without a creation time matches any live process with its PID.
func (m Marker) Matches(created time.Time) bool {
	if !m.HasCreated() {
		return true
	}
	d := m.Created.Sub(created)
	if d < 0 {
		d = -d
	}
	return d <= MatchTolerance
}

// String renders the marker in file form without a trailing newline
func (m Marker) String() string {
	if !m.HasCreated() {
		return strconv.Itoa(m.PID)
	}
	return strconv.Itoa(m.PID) + "," + FormatCIM(m.Created)
}

// Parse decodes marker file content
func Parse(data []byte) (Marker, error) {
	line := strings.TrimSpace(string(data))
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if line == "" {
		return Marker{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	pidStr, createdStr, hasCreated := strings.Cut(line, ",")
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil || pid <= 0 {
		return Marker{}, fmt.Errorf("%w: pid %q", ErrMalformed, pidStr)
	}

	m := Marker{PID: pid}
	if hasCreated && strings.TrimSpace(createdStr) != "" {
		created, err := ParseCIM(strings.TrimSpace(createdStr))
		if err != nil {
			return Marker{}, err
		}
		m.Created = created
	}
	return m, nil
}

// Read loads the marker at path. A missing file reports ok=false and no error.
func Read(path string) (m Marker, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, err
	}
	m, err = Parse(data)
	if err != nil {
		return Marker{}, true, err
	}
	return m, true, nil
}

// Write replaces the marker at path atomically
func Write(path string, m Marker) error {
	return atomicfile.WriteFile(path, []byte(m.String()+"\r\n"), 0o644)
}

// Remove deletes the marker at path; a missing file is not an error
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
