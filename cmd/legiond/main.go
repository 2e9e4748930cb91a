// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/akfullfo/legion"
	"github.com/akfullfo/legion/configdoc"
	"github.com/akfullfo/legion/control"
	"github.com/akfullfo/legion/modwatch"
)

// stringList implements flag.Value, collecting a flag's repeated
// occurrences, used for --http (settings.http entries may also be
// supplied ad hoc on the command line).
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		verbose      bool
		quiet        bool
		logStderr    bool
		loggingName  string
		background   bool
		pidfile      string
		configFile   string
		rolesFile    string
		certfile     string
		allowControl bool
		checkConfig  bool
		doReset      bool
		doStop       bool
		expires      float64
		doSanity     bool
		showVersion  bool
		httpListen   stringList
	)

	flag.BoolVar(&verbose, "verbose", false, "enable verbose logging")
	flag.BoolVar(&quiet, "quiet", false, "suppress all but error logging")
	flag.BoolVar(&logStderr, "log-stderr", false, "log only to stderr, not the in-memory ring buffer")
	flag.StringVar(&loggingName, "logging-name", "legiond", "prefix used on log lines")
	flag.BoolVar(&background, "background", false, "detach and run in the background")
	flag.StringVar(&pidfile, "pidfile", "", "pidfile path, '-' disables")
	flag.StringVar(&configFile, "config-file", "", "configuration document path")
	flag.StringVar(&rolesFile, "roles-file", "", "roles file path")
	flag.Var(&httpListen, "http", "ad hoc control-plane listener, repeatable")
	flag.StringVar(&certfile, "certfile", "", "TLS certificate+key path for control-plane listeners")
	flag.BoolVar(&allowControl, "allow-control", false, "allow manage/* on ad hoc --http listeners")
	flag.BoolVar(&checkConfig, "check-config", false, "parse and validate the config document, then exit")
	flag.BoolVar(&doReset, "reset", false, "signal the running instance to reload and re-exec")
	flag.BoolVar(&doStop, "stop", false, "signal the running instance to stop")
	flag.Float64Var(&expires, "expires", 0, "seconds before this instance self-terminates, 0 disables")
	flag.BoolVar(&doSanity, "sanity", false, "resolve every task's context and argv, report unresolved tags, then exit")
	flag.BoolVar(&showVersion, "version", false, "print the version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(legion.Version)
		os.Exit(0)
	}

	logger := log.New(os.Stderr, loggingName+": ", log.LstdFlags)

	if doReset || doStop {
		os.Exit(signalRunningInstance(pidfile, doReset, logger))
	}

	doc, err := configdoc.ParseFile(configFile)
	if err != nil {
		logger.Printf("config error: %v", err)
		os.Exit(1)
	}

	analyzer := modwatch.New(doc.Settings.ModulePath, doc.Settings.ModuleExclude)
	table, err := configdoc.Build(configFile, doc, analyzer)
	if err != nil {
		logger.Printf("config error: %v", err)
		os.Exit(1)
	}

	var roles []string
	if rolesFile != "" {
		roles, err = configdoc.ParseRoles(rolesFile)
		if err != nil {
			logger.Printf("roles error: %v", err)
			os.Exit(1)
		}
	}
	activeRoles := make(map[string]bool, len(roles))
	for _, r := range roles {
		activeRoles[r] = true
	}

	if checkConfig {
		logger.Printf("config ok: %d tasks", len(table.Tasks))
		os.Exit(0)
	}

	if doSanity {
		errs := legion.Sanity(table.Tasks, legion.BaseContext(),
			table.GlobalDefaults, table.GlobalDefines, table.GlobalRoleDefaults, table.GlobalRoleDefines,
			roles, activeRoles)
		if len(errs) == 0 {
			os.Exit(0)
		}
		for _, e := range errs {
			logger.Printf("sanity: %v", e)
		}
		os.Exit(2)
	}

	if background {
		daemonize(logger)
	}

	ringLog := legion.NewLog()
	multi := legion.NewMultiLogger()
	multi.AddLogger(log.New(os.Stderr, loggingName+": ", log.LstdFlags))
	if !logStderr {
		multi.AddLogger(log.New(ringLog, "", 0))
	}
	logger = multi.Logger()

	if pidfile != "" && pidfile != "-" {
		if err := claimPidfile(pidfile); err != nil {
			logger.Printf("fatal: %v", err)
			os.Exit(2)
		}
	}

	l, err := legion.New(logger)
	if err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(2)
	}
	l.Verbose = verbose
	l.Quiet = quiet
	l.SetActiveRoles(roles)
	l.SetConfigPaths(configFile, rolesFile)
	l.SetReloadFunc(func() error {
		return reload(l, configFile, rolesFile, analyzer)
	})
	l.SetModuleWatch(analyzer)
	l.ApplyTable(table.Tasks)
	l.SetGlobalContext(table.GlobalDefaults, table.GlobalDefines, table.GlobalRoleDefaults, table.GlobalRoleDefines)
	l.AdoptOrphans(time.Now())

	backend := &supervisorBackend{legion: l, ring: ringLog, table: table}

	listeners := table.Settings.HTTP
	if len(httpListen) > 0 {
		for _, addr := range httpListen {
			listeners = append(listeners, configdoc.HTTPListener{
				Listen:       addr,
				Certfile:     certfile,
				AllowControl: allowControl,
			})
		}
	}
	for _, hl := range listeners {
		handler := control.NewHandler(backend, hl.AllowControl)
		ep, err := control.Listen(control.Listener{Addr: hl.Listen, Certfile: hl.Certfile, AllowControl: hl.AllowControl}, handler)
		if err != nil {
			logger.Printf("control listener %s failed: %v", hl.Listen, err)
			continue
		}
		if err := l.RegisterControlEndpoint(ep); err != nil {
			logger.Printf("control listener %s not pollable, running standalone: %v", hl.Listen, err)
			go serveStandalone(ep, logger)
		}
	}

	var deadline time.Time
	if expires > 0 {
		deadline = time.Now().Add(time.Duration(expires * float64(time.Second)))
	}

	startLimit := table.Settings.StartLimit
	if startLimit <= 0 {
		startLimit = 60
	}
	started := time.Now()
	var stepBackoff time.Duration

	for {
		if err := l.Step(); err != nil {
			if time.Since(started) < time.Duration(startLimit*float64(time.Second)) {
				logger.Printf("fatal: step failed within start-limit window: %v", err)
				os.Exit(3)
			}
			logger.Printf("step failed, restarting the loop after backoff: %v", err)
			if stepBackoff == 0 {
				stepBackoff = 1 * time.Second
			} else if stepBackoff < 60*time.Second {
				stepBackoff *= 2
				if stepBackoff > 60*time.Second {
					stepBackoff = 60 * time.Second
				}
			}
			time.Sleep(stepBackoff)
			continue
		}
		stepBackoff = 0
		if !deadline.IsZero() && !l.Exiting() && time.Now().After(deadline) {
			logger.Printf("expires window elapsed, shutting down")
			l.RequestExit()
		}
		if l.Exiting() && l.AllStopped() {
			break
		}
	}

	resetting := l.Resetting()
	l.Close()
	if pidfile != "" && pidfile != "-" {
		os.Remove(pidfile)
	}

	if resetting {
		exe, err := os.Executable()
		if err != nil {
			logger.Printf("fatal: cannot re-exec: %v", err)
			os.Exit(2)
		}
		if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
			logger.Printf("fatal: re-exec failed: %v", err)
			os.Exit(2)
		}
	}
	os.Exit(0)
}

// reload re-parses the config and roles documents and, on success,
// swaps in the new TaskSpec table; on failure the previous table is
// left untouched (§4.5 "transactional reload", §7).
func reload(l *legion.Legion, configFile, rolesFile string, analyzer configdoc.Analyzer) error {
	doc, err := configdoc.ParseFile(configFile)
	if err != nil {
		return err
	}
	table, err := configdoc.Build(configFile, doc, analyzer)
	if err != nil {
		return err
	}
	if rolesFile != "" {
		roles, err := configdoc.ParseRoles(rolesFile)
		if err != nil {
			return err
		}
		l.SetActiveRoles(roles)
	}
	l.ApplyTable(table.Tasks)
	l.SetGlobalContext(table.GlobalDefaults, table.GlobalDefines, table.GlobalRoleDefaults, table.GlobalRoleDefines)
	return nil
}

// claimPidfile is the startup fatal path of §7: if an existing pidfile
// names a still-live process, startup fails; otherwise (stale or
// absent) the new pid is written, matching taskforce's orphan-adoption
// contract at §4.6.
func claimPidfile(path string) error {
	if existing, err := legion.ReadPidfile(path); err == nil {
		if legion.ProcessAlive(existing) {
			return fmt.Errorf("pidfile %s already claimed by live pid %d", path, existing)
		}
	}
	return legion.WritePidfile(path, os.Getpid())
}

// signalRunningInstance implements --reset/--stop: read the pidfile,
// confirm liveness, and deliver SIGHUP or SIGTERM (§6).
func signalRunningInstance(pidfile string, reset bool, logger *log.Logger) int {
	if pidfile == "" || pidfile == "-" {
		logger.Printf("--reset/--stop require --pidfile")
		return 1
	}
	pid, err := legion.ReadPidfile(pidfile)
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}
	if !legion.ProcessAlive(pid) {
		logger.Printf("pid %d is not running", pid)
		return 1
	}
	sig := syscall.SIGTERM
	if reset {
		sig = syscall.SIGHUP
	}
	if err := syscall.Kill(pid, sig); err != nil {
		logger.Printf("signal delivery to %d failed: %v", pid, err)
		return 1
	}
	return 0
}

// daemonize re-execs the current process detached from the controlling
// terminal, the way a classic double-fork daemon would, then exits the
// parent (§6 --background). Standard input/output/error are left bound
// to /dev/null.
func daemonize(logger *log.Logger) {
	if os.Getenv("LEGIOND_DAEMONIZED") == "1" {
		return
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		logger.Printf("fatal: cannot open %s: %v", os.DevNull, err)
		os.Exit(2)
	}
	defer devnull.Close()

	exe, err := os.Executable()
	if err != nil {
		logger.Printf("fatal: cannot background: %v", err)
		os.Exit(2)
	}
	_, err = os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), "LEGIOND_DAEMONIZED=1"),
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		logger.Printf("fatal: cannot background: %v", err)
		os.Exit(2)
	}
	os.Exit(0)
}

// serveStandalone drives a control-plane Endpoint that could not be
// registered with the Poller (a TLS listener -- see control.Endpoint.FD)
// from its own accept loop, outside the single-threaded main loop.
func serveStandalone(ep *control.Endpoint, logger *log.Logger) {
	for {
		if err := ep.Handle(); err != nil {
			logger.Printf("control listener closed: %v", err)
			return
		}
	}
}
