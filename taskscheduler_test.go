package nativesvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/axondata/go-nativesvc/internal/marker"
	"github.com/axondata/go-nativesvc/internal/proctree"
)

var settingsEnabled = regexp.MustCompile(`(?s)(<Settings>.*?<Enabled>)(true|false)(</Enabled>)`)

// schtasksSim models one scheduled task and the payload tree its
// supervisor leaves behind. /End ends the task but, as on a real host, the
// payload it spawned survives. /Run is ignored while an instance runs.
type schtasksSim struct {
	mu         sync.Mutex
	procs      *proctree.Fake
	markerPath string
	xml        string
	registered bool
	enabled    bool
	// instance is true while the supervisor task instance runs
	instance bool
	created  time.Time
	// queryErr and endErr make /Query and /End fail with that message
	queryErr string
	endErr   string
}

func newSchtasksSim(markerPath string) *schtasksSim {
	return &schtasksSim{
		procs:      proctree.NewFake(),
		markerPath: markerPath,
		created:    time.Date(2024, 1, 31, 9, 30, 15, 123456000, time.UTC),
	}
}

func (s *schtasksSim) handle(cmd string, args []string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.HasPrefix(cmd, "whoami") {
		return okResult(`"desktop-1\ada","S-1-5-21-1004336348-1177238915-682003330-1001"` + "\r\n")
	}

	switch args[0] {
	case "/Create":
		data, err := os.ReadFile(args[4])
		if err != nil {
			return exitResult(1, "", "ERROR: "+err.Error())
		}
		utf8Data, err := toUTF8(data)
		if err != nil {
			return exitResult(1, "", "ERROR: "+err.Error())
		}
		s.xml, s.registered, s.enabled = string(utf8Data), true, true
		return okResult(`SUCCESS: The scheduled task "` + args[2] + `" has successfully been created.`)
	case "/Query":
		if s.queryErr != "" {
			return exitResult(1, "", s.queryErr)
		}
		if !s.registered {
			return exitResult(1, "", "ERROR: The system cannot find the file specified.")
		}
		if args[3] == "/FO" {
			state := "Ready"
			switch {
			case !s.enabled:
				state = "Disabled"
			case s.instance:
				state = "Running"
			}
			return okResult(`"\` + args[2] + `","N/A","` + state + `"` + "\r\n")
		}
		return okResult(settingsEnabled.ReplaceAllString(s.xml, "${1}"+strconv.FormatBool(s.enabled)+"${3}"))
	case "/Change":
		if !s.registered {
			return exitResult(1, "", "ERROR: The system cannot find the file specified.")
		}
		s.enabled = args[3] == "/ENABLE"
	case "/Run":
		if !s.enabled {
			return exitResult(1, "", "ERROR: The task is disabled.")
		}
		if s.instance {
			// IgnoreNew
			return okResult(`SUCCESS: Attempted to run the scheduled task "` + args[2] + `".`)
		}
		s.instance = true
		s.procs.Add(100, 1, s.created)
		s.procs.Add(110, 100, s.created.Add(time.Second))
		s.procs.Add(111, 110, s.created.Add(2*time.Second))
		s.procs.Add(120, 100, s.created.Add(3*time.Second))
		if err := marker.Write(s.markerPath, marker.Marker{PID: 100, Created: s.created}); err != nil {
			return exitResult(1, "", err.Error())
		}
	case "/End":
		if s.endErr != "" {
			return exitResult(1, "", s.endErr)
		}
		s.instance = false
		return okResult(`SUCCESS: The scheduled task "` + args[2] + `" has been terminated successfully.`)
	case "/Delete":
		s.registered = false
	default:
		return exitResult(1, "", "ERROR: Invalid argument/option")
	}
	return okResult("SUCCESS")
}

func newTaskSchedulerTestManager(t *testing.T, name string, opts ...Option) (*Manager, *fakeRunner, *schtasksSim) {
	t.Helper()
	appDir := filepath.Join(t.TempDir(), name)
	sim := newSchtasksSim(filepath.Join(appDir, MarkerFileName))
	runner := &fakeRunner{handler: sim.handle}
	base := []Option{
		WithRunner(runner),
		WithProcessTable(sim.procs),
		WithLogger(zaptest.NewLogger(t)),
	}
	m, err := NewForPlatform(PlatformTaskScheduler, Config{
		Name:         name,
		AppDir:       appDir,
		PollInterval: time.Millisecond,
		WaitTimeout:  200 * time.Millisecond,
	}, append(base, opts...)...)
	require.NoError(t, err)
	return m, runner, sim
}

func TestTaskSchedulerLifecycle(t *testing.T) {
	m, runner, sim := newTaskSchedulerTestManager(t, "svc1")
	ctx := context.Background()
	xmlPath := filepath.Join(m.AppDir(), "svc1.task.xml")

	require.NoError(t, m.Install(ctx, []string{"payload.exe", "--port", "8080"}, mustVersion(t, "1.0.0"), true))
	assert.Equal(t, []string{
		"schtasks /Create /TN svc1 /XML " + xmlPath + " /F",
		"schtasks /Run /TN svc1",
	}, runner.Mutations())
	assert.NoFileExists(t, xmlPath, "task XML is removed after registration")

	script, err := os.ReadFile(filepath.Join(m.AppDir(), LauncherFileName))
	require.NoError(t, err)
	assert.Contains(t, string(script), `strCommand = "payload.exe --port 8080"`)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Installed, Enabled, Running}, st)

	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())

	runner.Reset()
	require.NoError(t, m.Stop(ctx, true))
	assert.Equal(t, []string{"schtasks /End /TN svc1"}, runner.Mutations())
	assert.Equal(t, []int{111, 110, 120, 100}, sim.procs.Killed(), "children are killed before parents")
	assert.NoFileExists(t, sim.markerPath)

	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Installed, Enabled, NotRunning}, st)

	runner.Reset()
	require.NoError(t, m.Uninstall(ctx, true))
	assert.Equal(t, []string{
		"schtasks /Change /TN svc1 /DISABLE",
		"schtasks /Delete /TN svc1 /F",
	}, runner.Mutations())
	assert.NoDirExists(t, m.AppDir())

	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{}, st)
}

func TestTaskSchedulerStaleMarker(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, sim *schtasksSim)
	}{
		{"process exited", func(t *testing.T, sim *schtasksSim) {
			require.NoError(t, sim.procs.Kill(context.Background(), 100))
		}},
		{"pid reused", func(t *testing.T, sim *schtasksSim) {
			require.NoError(t, marker.Write(sim.markerPath, marker.Marker{PID: 100, Created: sim.created.Add(-time.Hour)}))
		}},
		{"supervisor removed marker", func(t *testing.T, sim *schtasksSim) {
			require.NoError(t, sim.procs.Kill(context.Background(), 100))
			require.NoError(t, os.Remove(sim.markerPath))
		}},
		{"malformed", func(t *testing.T, sim *schtasksSim) {
			require.NoError(t, os.WriteFile(sim.markerPath, []byte("not-a-pid\r\n"), FileMode))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, sim := newTaskSchedulerTestManager(t, "stale")
			ctx := context.Background()
			require.NoError(t, m.Install(ctx, []string{"payload.exe"}, mustVersion(t, "1.0.0"), true))
			require.FileExists(t, sim.markerPath)

			tt.setup(t, sim)

			st, err := m.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, Status{Installed, Enabled, NotRunning}, st)
			assert.NoFileExists(t, sim.markerPath, "stale marker is cleaned up")
		})
	}
}

func TestTaskSchedulerMarkerWithoutCreationTime(t *testing.T) {
	m, _, sim := newTaskSchedulerTestManager(t, "nocreated")
	ctx := context.Background()
	require.NoError(t, m.Install(ctx, []string{"payload.exe"}, mustVersion(t, "1.0.0"), true))

	require.NoError(t, os.WriteFile(sim.markerPath, []byte("100\r\n"), FileMode))
	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsRunning(), "a bare pid matches any live process")
}

func TestTaskSchedulerStopFailed(t *testing.T) {
	m, _, sim := newTaskSchedulerTestManager(t, "stubborn")
	ctx := context.Background()
	require.NoError(t, m.Install(ctx, []string{"payload.exe"}, mustVersion(t, "1.0.0"), true))

	sim.procs.FailKill(100, errors.New("access is denied"))

	err := m.Stop(ctx, true)
	require.ErrorIs(t, err, ErrStopFailed)
	assert.False(t, IsPrecondition(err))
	assert.FileExists(t, sim.markerPath, "the marker still names the survivor")

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsRunning())
}

func TestTaskSchedulerStopReportsEndFailure(t *testing.T) {
	m, _, sim := newTaskSchedulerTestManager(t, "denied")
	ctx := context.Background()
	require.NoError(t, m.Install(ctx, []string{"payload.exe"}, mustVersion(t, "1.0.0"), true))

	sim.mu.Lock()
	sim.endErr = "ERROR: Access is denied."
	sim.mu.Unlock()

	err := m.Stop(ctx, true)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "Access is denied")
	assert.False(t, errors.Is(err, ErrStopFailed))

	// The payload tree is still killed
	assert.Equal(t, []int{111, 110, 120, 100}, sim.procs.Killed())
	assert.NoFileExists(t, sim.markerPath)
}

func TestTaskSchedulerEndTreatsNotRunningAsDone(t *testing.T) {
	m, _, sim := newTaskSchedulerTestManager(t, "idle")
	sim.endErr = "ERROR: The scheduled task is not running."

	b := m.backend.(*taskSchedulerBackend)
	require.NoError(t, b.end(context.Background()))
}

func TestTaskSchedulerStartEndsIdleInstance(t *testing.T) {
	m, runner, sim := newTaskSchedulerTestManager(t, "respawn")
	ctx := context.Background()
	require.NoError(t, m.Install(ctx, []string{"payload.exe"}, mustVersion(t, "1.0.0"), true))

	// The payload died and the supervisor sleeps out its throttle
	for _, pid := range []int{111, 110, 120, 100} {
		require.NoError(t, sim.procs.Kill(ctx, pid))
	}
	require.NoError(t, os.Remove(sim.markerPath))

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Installed, Enabled, NotRunning}, st)

	runner.Reset()
	require.NoError(t, m.Start(ctx, true))
	assert.Equal(t, []string{
		"schtasks /End /TN respawn",
		"schtasks /Run /TN respawn",
	}, runner.Mutations())

	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsRunning())
}

func TestTaskSchedulerQueryFailureIsNotAbsence(t *testing.T) {
	m, runner, sim := newTaskSchedulerTestManager(t, "hidden")
	ctx := context.Background()
	sim.queryErr = "ERROR: Access is denied."

	_, err := m.Status(ctx)
	require.ErrorIs(t, err, ErrAmbiguousStatus)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Stderr, "Access is denied")

	require.ErrorIs(t, m.Install(ctx, []string{"payload.exe"}, mustVersion(t, "1.0.0"), false), ErrAmbiguousStatus)
	assert.Empty(t, runner.Mutations(), "install must not overwrite a task it cannot read")
}

func TestParseTaskState(t *testing.T) {
	tests := []struct {
		out     string
		want    string
		wantErr bool
	}{
		{`"\svc1","N/A","Running"` + "\r\n", "Running", false},
		{`"\svc1","2024-01-31 09:30:00","Ready"`, "Ready", false},
		{`"\svc1"`, "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.out, func(t *testing.T) {
			got, err := parseTaskState(tt.out)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrAmbiguousStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskSchedulerSupervisorBinary(t *testing.T) {
	const binary = `C:\Program Files\nativesvc\svcsupervise.exe`
	m, runner, sim := newTaskSchedulerTestManager(t, "supervised", WithSupervisorBinary(binary))
	ctx := context.Background()

	require.NoError(t, m.backend.install(ctx, []string{"payload.exe", "two words"}, mustVersion(t, "3.0.0")))
	assert.Contains(t, runner.Calls(), "whoami /user /fo csv /nh")

	assert.Contains(t, sim.xml, "<Command>"+binary+"</Command>")
	assert.Contains(t, sim.xml, "run --name supervised --dir "+m.AppDir())
	assert.Contains(t, sim.xml, `--throttle 1m0s -- payload.exe &#34;two words&#34;`)
	assert.NoFileExists(t, filepath.Join(m.AppDir(), LauncherFileName))
}

func TestTaskXMLRoundTrip(t *testing.T) {
	def := newTaskDefinition(taskSpec{
		Name:       "svc1",
		Version:    mustVersion(t, "1.2.3-rc.1").String(),
		UserID:     `desktop-1\ada`,
		UserSID:    "S-1-5-21-1-2-3-1001",
		Command:    "wscript.exe",
		Arguments:  `"C:\Users\ada\AppData\Local\nativesvc\svc1\run.vbs"`,
		WorkingDir: `C:\Users\ada\AppData\Local\nativesvc\svc1`,
	})
	data, err := encodeTaskXML(def)
	require.NoError(t, err)
	require.True(t, len(data) > 2)
	assert.Equal(t, []byte{0xFF, 0xFE}, data[:2], "UTF-16 LE byte order mark")

	q, err := decodeTaskXML(data)
	require.NoError(t, err)
	v, ok := q.version()
	require.True(t, ok)
	assert.Equal(t, "1.2.3-rc.1", v)

	en, err := q.enablement()
	require.NoError(t, err)
	assert.Equal(t, Enabled, en)
}

func TestDecodeTaskXMLEncodings(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-16"?>
<Task xmlns="http://schemas.microsoft.com/windows/2004/02/mit/task">
  <RegistrationInfo><Description>Service x
version=0.1.0</Description></RegistrationInfo>
  <Settings><Enabled>false</Enabled></Settings>
</Task>`

	utf16NoBOM := make([]byte, 0, len(doc)*2)
	for _, r := range doc {
		utf16NoBOM = append(utf16NoBOM, byte(r), 0)
	}

	for name, data := range map[string][]byte{
		"utf-8":            []byte(doc),
		"utf-8 with bom":   append([]byte{0xEF, 0xBB, 0xBF}, doc...),
		"utf-16 le no bom": utf16NoBOM,
	} {
		t.Run(name, func(t *testing.T) {
			q, err := decodeTaskXML(data)
			require.NoError(t, err)
			en, err := q.enablement()
			require.NoError(t, err)
			assert.Equal(t, Disabled, en)
			v, ok := q.version()
			require.True(t, ok)
			assert.Equal(t, "0.1.0", v)
		})
	}
}

func TestTaskEnablement(t *testing.T) {
	str := func(s string) *string { return &s }
	tests := []struct {
		name    string
		value   *string
		want    Enablement
		wantErr bool
	}{
		{"absent", nil, Enabled, false},
		{"true", str("true"), Enabled, false},
		{"false", str(" false "), Disabled, false},
		{"garbage", str("yes"), Disabled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q queriedTask
			q.Settings.Enabled = tt.value
			got, err := q.enablement()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrAmbiguousStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWhoami(t *testing.T) {
	user, sid, err := parseWhoami(`"desktop-1\ada","S-1-5-21-1-2-3-1001"` + "\r\n")
	require.NoError(t, err)
	assert.Equal(t, `desktop-1\ada`, user)
	assert.Equal(t, "S-1-5-21-1-2-3-1001", sid)

	for _, bad := range []string{"", `"only-user"`, `"",""`} {
		_, _, err := parseWhoami(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
