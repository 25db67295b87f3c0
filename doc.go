// Package nativesvc installs and controls a long-running program as a per-user
// service on top of the operating system's own service facility, without a
// daemon of its own.
//
// Three facilities are supported and one is chosen at construction time:
//
//   - systemd user (or system) units on Linux, driven through systemctl
//   - launchd agents on macOS, driven through launchctl
//   - Task Scheduler on Windows, driven through schtasks plus a small
//     supervisor that restarts the payload and records its PID
//
// The core type is Manager, which exposes the same eight operations on every
// platform:
//
//	m, err := nativesvc.New(nativesvc.Config{Name: "sync-agent"},
//	    nativesvc.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	v := semver.MustParse("1.4.0")
//	err = m.Install(ctx, []string{"/opt/sync/bin/agent", "--serve"}, v, false)
//
//	st, err := m.Status(ctx)
//	fmt.Println(st) // ServiceStatus(installation=INSTALLED, enablement=ENABLED, running=RUNNING)
//
// # Strict mode
//
// Every state-changing operation takes a strict flag. Without it, asking for
// a state the service is already in is a no-op; with it, the matching
// precondition error (ErrAlreadyRunning, ErrNotInstalled, ...) is returned.
//
// # Status
//
// Status is derived from the native facility on every call and never cached.
// A service that is not installed reports the zero Status. Output from a
// native tool that cannot be classified is reported as ErrAmbiguousStatus
// rather than guessed.
//
// # Concurrency
//
// Operations on the same service name must be serialized by the caller. The
// library holds no locks and runs every native tool synchronously with a
// per-call timeout.
package nativesvc
