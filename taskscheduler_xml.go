package nativesvc

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const taskNamespace = "http://schemas.microsoft.com/windows/2004/02/mit/task"

// taskDefinition is a Task Scheduler 1.3 task document
type taskDefinition struct {
	XMLName          xml.Name         `xml:"Task"`
	Version          string           `xml:"version,attr"`
	Xmlns            string           `xml:"xmlns,attr"`
	RegistrationInfo registrationInfo `xml:"RegistrationInfo"`
	Triggers         taskTriggers     `xml:"Triggers"`
	Principals       taskPrincipals   `xml:"Principals"`
	Settings         taskSettings     `xml:"Settings"`
	Actions          taskActions      `xml:"Actions"`
}

type registrationInfo struct {
	Description string `xml:"Description"`
	URI         string `xml:"URI,omitempty"`
}

type taskTriggers struct {
	LogonTrigger logonTrigger `xml:"LogonTrigger"`
}

type logonTrigger struct {
	Enabled bool   `xml:"Enabled"`
	UserID  string `xml:"UserId"`
}

type taskPrincipals struct {
	Principal taskPrincipal `xml:"Principal"`
}

type taskPrincipal struct {
	ID        string `xml:"id,attr"`
	UserID    string `xml:"UserId"`
	LogonType string `xml:"LogonType"`
	RunLevel  string `xml:"RunLevel"`
}

type idleSettings struct {
	Duration      string `xml:"Duration"`
	WaitTimeout   string `xml:"WaitTimeout"`
	StopOnIdleEnd bool   `xml:"StopOnIdleEnd"`
	RestartOnIdle bool   `xml:"RestartOnIdle"`
}

type restartOnFailure struct {
	Interval string `xml:"Interval"`
	Count    int    `xml:"Count"`
}

type taskSettings struct {
	MultipleInstancesPolicy         string           `xml:"MultipleInstancesPolicy"`
	DisallowStartIfOnBatteries      bool             `xml:"DisallowStartIfOnBatteries"`
	StopIfGoingOnBatteries          bool             `xml:"StopIfGoingOnBatteries"`
	AllowHardTerminate              bool             `xml:"AllowHardTerminate"`
	StartWhenAvailable              bool             `xml:"StartWhenAvailable"`
	RunOnlyIfNetworkAvailable       bool             `xml:"RunOnlyIfNetworkAvailable"`
	IdleSettings                    idleSettings     `xml:"IdleSettings"`
	AllowStartOnDemand              bool             `xml:"AllowStartOnDemand"`
	Enabled                         bool             `xml:"Enabled"`
	Hidden                          bool             `xml:"Hidden"`
	RunOnlyIfIdle                   bool             `xml:"RunOnlyIfIdle"`
	DisallowStartOnRemoteAppSession bool             `xml:"DisallowStartOnRemoteAppSession"`
	UseUnifiedSchedulingEngine      bool             `xml:"UseUnifiedSchedulingEngine"`
	WakeToRun                       bool             `xml:"WakeToRun"`
	ExecutionTimeLimit              string           `xml:"ExecutionTimeLimit"`
	Priority                        int              `xml:"Priority"`
	RestartOnFailure                restartOnFailure `xml:"RestartOnFailure"`
}

type taskActions struct {
	Context string     `xml:"Context,attr"`
	Exec    taskExecAt `xml:"Exec"`
}

type taskExecAt struct {
	Command          string `xml:"Command"`
	Arguments        string `xml:"Arguments,omitempty"`
	WorkingDirectory string `xml:"WorkingDirectory,omitempty"`
}

// taskSpec is the content of a generated task
type taskSpec struct {
	Name       string
	Version    string
	UserID     string
	UserSID    string
	Command    string
	Arguments  string
	WorkingDir string
}

// newTaskDefinition builds the task for a logon-triggered per-user service
func newTaskDefinition(s taskSpec) taskDefinition {
	return taskDefinition{
		Version: "1.3",
		Xmlns:   taskNamespace,
		RegistrationInfo: registrationInfo{
			Description: taskDescription(s.Name, s.Version),
			URI:         `\` + s.Name,
		},
		Triggers: taskTriggers{LogonTrigger: logonTrigger{Enabled: true, UserID: s.UserID}},
		Principals: taskPrincipals{Principal: taskPrincipal{
			ID:        "Author",
			UserID:    s.UserSID,
			LogonType: "InteractiveToken",
			RunLevel:  "LeastPrivilege",
		}},
		Settings: taskSettings{
			MultipleInstancesPolicy: "IgnoreNew",
			AllowHardTerminate:      true,
			IdleSettings: idleSettings{
				Duration:    "PT10M",
				WaitTimeout: "PT1H",
			},
			AllowStartOnDemand:         true,
			Enabled:                    true,
			UseUnifiedSchedulingEngine: true,
			ExecutionTimeLimit:         "PT0S",
			Priority:                   7,
			RestartOnFailure:           restartOnFailure{Interval: "PT1M", Count: 10},
		},
		Actions: taskActions{
			Context: "Author",
			Exec: taskExecAt{
				Command:          s.Command,
				Arguments:        s.Arguments,
				WorkingDirectory: s.WorkingDir,
			},
		},
	}
}

func taskDescription(name, version string) string {
	return fmt.Sprintf("Service %s\nversion=%s", name, version)
}

// encodeTaskXML renders a task as UTF-16 LE with a byte order mark, the
// encoding schtasks /Create /XML expects
func encodeTaskXML(t taskDefinition) ([]byte, error) {
	body, err := xml.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding task xml: %w", err)
	}
	doc := append([]byte(`<?xml version="1.0" encoding="UTF-16"?>`+"\n"), body...)
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().Bytes(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding task xml as utf-16: %w", err)
	}
	return out, nil
}

// queriedTask is the part of a registered task the status read needs
type queriedTask struct {
	Description string `xml:"RegistrationInfo>Description"`
	Settings    struct {
		Enabled *string `xml:"Enabled"`
	} `xml:"Settings"`
}

// decodeTaskXML parses task XML in UTF-8 or UTF-16 as printed by
// schtasks /Query /XML
func decodeTaskXML(data []byte) (queriedTask, error) {
	utf8Data, err := toUTF8(data)
	if err != nil {
		return queriedTask{}, err
	}
	dec := xml.NewDecoder(bytes.NewReader(utf8Data))
	// Content is already UTF-8 whatever the declaration says
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	var t queriedTask
	if err := dec.Decode(&t); err != nil {
		return queriedTask{}, fmt.Errorf("%w: task xml: %v", ErrAmbiguousStatus, err)
	}
	return t, nil
}

func toUTF8(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(data)
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(data)
	case len(data) >= 2 && data[0] != 0 && data[1] == 0:
		// UTF-16 LE without a byte order mark
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(data)
	default:
		return bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}), nil
	}
}

// enablement maps Settings/Enabled; an absent element means enabled
func (t queriedTask) enablement() (Enablement, error) {
	if t.Settings.Enabled == nil {
		return Enabled, nil
	}
	switch strings.TrimSpace(*t.Settings.Enabled) {
	case "true":
		return Enabled, nil
	case "false":
		return Disabled, nil
	default:
		return Disabled, fmt.Errorf("%w: task Settings/Enabled is %q", ErrAmbiguousStatus, *t.Settings.Enabled)
	}
}

var taskVersionRe = regexp.MustCompile(`version=(\S+)`)

// version extracts the version recorded in the task description
func (t queriedTask) version() (string, bool) {
	m := taskVersionRe.FindStringSubmatch(t.Description)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// parseWhoami reads the account name and SID from
// `whoami /user /fo csv /nh`, e.g. "desktop-1\ada","S-1-5-21-..."
func parseWhoami(out string) (userID, sid string, err error) {
	r := csv.NewReader(strings.NewReader(strings.TrimSpace(out)))
	rec, err := r.Read()
	if err != nil {
		return "", "", fmt.Errorf("parsing whoami output %q: %w", out, err)
	}
	if len(rec) < 2 || strings.TrimSpace(rec[0]) == "" || strings.TrimSpace(rec[1]) == "" {
		return "", "", fmt.Errorf("whoami output %q has no user and SID", out)
	}
	return strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1]), nil
}

// parseTaskState returns the Status column of
// `schtasks /Query /TN name /FO CSV /NH`, e.g. "\svc1","N/A","Running"
func parseTaskState(out string) (string, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimSpace(out)))
	rec, err := r.Read()
	if err != nil {
		return "", fmt.Errorf("%w: parsing schtasks output %q: %v", ErrAmbiguousStatus, out, err)
	}
	if len(rec) < 3 {
		return "", fmt.Errorf("%w: schtasks output %q has no status column", ErrAmbiguousStatus, out)
	}
	return strings.TrimSpace(rec[len(rec)-1]), nil
}
