package nativesvc

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// launcherTemplate is the Windows launcher run by wscript.exe from the task
// action. It spawns the payload without a window, records
// "pid,creationDate" in the marker file, polls the pid until it exits,
// removes the marker and respawns after the throttle.
var launcherTemplate = template.Must(template.New("launcher").Funcs(template.FuncMap{
	"vbs": vbsString,
}).Parse(`Option Explicit

Dim objWMI, objStartup, objFSO
Dim strPidFile, strCommand, strWorkDir
Dim intThrottleSeconds

strCommand = "{{vbs .Command}}"
strPidFile = "{{vbs .MarkerPath}}"
strWorkDir = "{{vbs .WorkDir}}"
intThrottleSeconds = {{.ThrottleSeconds}}

Set objFSO = CreateObject("Scripting.FileSystemObject")
Set objWMI = GetObject("winmgmts:\\.\root\cimv2")

Do While True
    Dim intReturn, intPID, colItems, objItem, strCreationDate, objFile

    Set objStartup = objWMI.Get("Win32_ProcessStartup").SpawnInstance_
    objStartup.ShowWindow = 0

    intReturn = objWMI.Get("Win32_Process").Create(strCommand, strWorkDir, objStartup, intPID)

    If intReturn = 0 Then
        Set colItems = objWMI.ExecQuery("SELECT CreationDate FROM Win32_Process WHERE ProcessId = " & intPID)
        strCreationDate = ""
        For Each objItem in colItems
            strCreationDate = objItem.CreationDate
        Next

        Set objFile = objFSO.CreateTextFile(strPidFile, True)
        If strCreationDate <> "" Then
            objFile.WriteLine intPID & "," & strCreationDate
        Else
            objFile.WriteLine intPID
        End If
        objFile.Close
        Set objFile = Nothing

        Do While ProcessExists(intPID)
            WScript.Sleep 200
        Loop

        If objFSO.FileExists(strPidFile) Then
            objFSO.DeleteFile strPidFile
        End If
    End If

    WScript.Sleep intThrottleSeconds * 1000
Loop

Function ProcessExists(pid)
    Dim colProcesses
    Set colProcesses = objWMI.ExecQuery("SELECT ProcessId FROM Win32_Process WHERE ProcessId = " & pid)
    ProcessExists = (colProcesses.Count > 0)
End Function
`))

// launcherSpec parameterises the launcher script
type launcherSpec struct {
	Command         string
	MarkerPath      string
	WorkDir         string
	ThrottleSeconds int
}

// renderLauncher produces the launcher script for args
func renderLauncher(args []string, markerPath, workDir string, throttle time.Duration) ([]byte, error) {
	secs := int(throttle / time.Second)
	if secs < 1 {
		secs = 1
	}
	var buf bytes.Buffer
	err := launcherTemplate.Execute(&buf, launcherSpec{
		Command:         windowsCommandLine(args),
		MarkerPath:      markerPath,
		WorkDir:         workDir,
		ThrottleSeconds: secs,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering launcher: %w", err)
	}
	// wscript reads the script in the ANSI code page; CRLF keeps Notepad happy
	return bytes.ReplaceAll(buf.Bytes(), []byte("\n"), []byte("\r\n")), nil
}

// vbsString escapes s for a VBScript string literal
func vbsString(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}

// windowsCommandLine joins args the way CommandLineToArgvW splits them
func windowsCommandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = windowsQuoteArg(a)
	}
	return strings.Join(quoted, " ")
}

// windowsQuoteArg quotes one argument for CommandLineToArgvW. Backslashes
// are literal unless they precede a double quote.
func windowsQuoteArg(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\n\v\"") {
		return s
	}

	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			slashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, slashes*2+1))
			b.WriteByte('"')
			slashes = 0
		default:
			b.WriteString(strings.Repeat(`\`, slashes))
			b.WriteByte(c)
			slashes = 0
		}
	}
	b.WriteString(strings.Repeat(`\`, slashes*2))
	b.WriteByte('"')
	return b.String()
}
