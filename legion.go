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

package legion

import (
	"fmt"
	"log"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/akfullfo/legion/control"
	"github.com/akfullfo/legion/modwatch"
	"github.com/akfullfo/legion/poller"
	"github.com/akfullfo/legion/watch"
)

// Legion is the top-level orchestrator (§4.7): it owns the Poller, the
// FileWatcher, the set of TaskRuntimes, and drives the single-threaded
// main loop. It has no concurrency of its own -- every method here runs
// on the one logical execution context described at §5.
type Legion struct {
	Logger *log.Logger

	poll    poller.Poller
	watcher *watch.Watcher
	watches *WatchSet

	// moduleWatch is the ModuleWatcher (§4.3): the transitive closure of
	// Python source files every events:[{type:"python"}] task depends
	// on. configdoc.validateEvents already keeps its name->script
	// registration current on every successful Build; Legion's own job
	// is registering moduleWatch.Files() with watcher and, on change,
	// routing drained paths back to the dependent tasks' python-event
	// actions via moduleWatchedPaths, the set last handed to watcher.
	moduleWatch        *modwatch.Watch
	moduleWatchedPaths map[string]bool

	tasks map[string]*TaskRuntime

	configPath string
	rolesPath  string
	roles      []string
	roleOrder  []string
	activeRole map[string]bool

	// globalDefaults/globalDefines/globalRoleDefaults/globalRoleDefines
	// are the document-level context layers (spec §6, ContextResolver
	// layers 2/3/5/6 at §4.4), set from configdoc.Table by
	// SetGlobalContext and consulted ahead of every task's own layers.
	globalDefaults     map[string]string
	globalDefines      map[string]string
	globalRoleDefaults map[string]map[string]string
	globalRoleDefines  map[string]map[string]string

	base *Context

	signalPipeR *os.File
	signalPipeW *os.File

	controlEPs map[int]*control.Endpoint

	// Verbose and Quiet gate logf, mirroring --verbose/--quiet (§6).
	// Verbose messages are suppressed unless Verbose is set; all
	// messages including verbose ones are suppressed when Quiet is set.
	Verbose bool
	Quiet   bool

	exiting   bool
	resetting bool

	// reload is installed by SetReloadFunc; the loop calls it on
	// config/roles file changes observed through the FileWatcher, before
	// reconciling task state.
	reload func() error
}

// New constructs a Legion with a fresh Poller and Watcher, wiring the
// Watcher's native self-pipe (if any) into the Poller and installing a
// signal self-pipe for SIGCHLD/SIGTERM/SIGHUP (§5).
func New(logger *log.Logger) (*Legion, error) {
	if logger == nil {
		logger = log.Default()
	}
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	w := watch.New(watch.WithLogger(logger), watch.WithAggregation(200*time.Millisecond, 32))

	l := &Legion{
		Logger:             logger,
		poll:               p,
		watcher:            w,
		watches:            NewWatchSet(),
		moduleWatchedPaths: make(map[string]bool),
		tasks:              make(map[string]*TaskRuntime),
		base:               BaseContext(),
		activeRole:         make(map[string]bool),
		controlEPs:         make(map[int]*control.Endpoint),
	}

	if fd := w.FD(); fd >= 0 {
		if err := p.Register(fd, poller.Readable); err != nil {
			return nil, err
		}
	}
	if err := l.installSignalPipe(); err != nil {
		return nil, err
	}
	return l, nil
}

// installSignalPipe sets up the self-pipe used to bridge SIGCHLD,
// SIGTERM and SIGHUP into the Poller (§5, §9).
func (l *Legion) installSignalPipe() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	l.signalPipeR = r
	l.signalPipeW = w
	if err := l.poll.Register(int(r.Fd()), poller.Readable); err != nil {
		return err
	}
	signalPipeWrite = w
	installHandlers()
	return nil
}

// Close releases the Poller, Watcher, signal pipe and any registered
// control-plane endpoints.
func (l *Legion) Close() {
	removeHandlers()
	if l.signalPipeR != nil {
		l.signalPipeR.Close()
	}
	if l.signalPipeW != nil {
		l.signalPipeW.Close()
	}
	for _, ep := range l.controlEPs {
		ep.Close()
	}
	l.poll.Close()
}

// RegisterControlEndpoint adds a bound ControlPlane listener to the
// Poller (§4.8): its descriptor is watched for readability, and a
// pending connection is accepted and served to completion inline from
// Step, the same way the signal and watcher descriptors are drained.
// Listeners that cannot expose a pollable descriptor (TLS-wrapped) are
// served from their own accept loop instead -- see control.Endpoint.FD.
func (l *Legion) RegisterControlEndpoint(ep *control.Endpoint) error {
	fd, err := ep.FD()
	if err != nil {
		return err
	}
	if err := l.poll.Register(fd, poller.Readable); err != nil {
		return err
	}
	l.controlEPs[fd] = ep
	return nil
}

// logf writes a log line gated by Verbose/Quiet (§6 "--quiet/--verbose
// adjust a single verbosity level"). Pass verbose=true for detail that
// should only appear with --verbose.
func (l *Legion) logf(verbose bool, format string, v ...interface{}) {
	if l.Quiet {
		return
	}
	if verbose && !l.Verbose {
		return
	}
	l.Logger.Printf(format, v...)
}

// SetRoleOrder fixes the deterministic tie-break order for role layers
// (SPEC_FULL.md §C.3 / spec §4.4 "unspecified but deterministic").
func (l *Legion) SetRoleOrder(order []string) {
	l.roleOrder = order
}

// SetActiveRoles replaces the set of currently active roles, as loaded
// from the roles file.
func (l *Legion) SetActiveRoles(roles []string) {
	l.activeRole = make(map[string]bool, len(roles))
	for _, r := range roles {
		l.activeRole[r] = true
	}
	if l.roleOrder == nil {
		l.roleOrder = append([]string{}, roles...)
	}
}

// SetGlobalContext records the document-level defaults/defines/
// role_defaults/role_defines layers from the most recently loaded
// configdoc.Table, so every task's BuildContext call consults them
// ahead of its own per-task layers (spec §6, §4.4).
func (l *Legion) SetGlobalContext(defaults, defines map[string]string, roleDefaults, roleDefines map[string]map[string]string) {
	l.globalDefaults = defaults
	l.globalDefines = defines
	l.globalRoleDefaults = roleDefaults
	l.globalRoleDefines = roleDefines
}

// ApplyTable reconciles the running TaskRuntimes against a freshly
// validated configdoc.Table: new tasks are created blocked, survivors
// are reconfigured in place, and tasks no longer present are retired
// (§3 "Lifecycles").
func (l *Legion) ApplyTable(tasks map[string]*TaskSpec) {
	seen := make(map[string]bool, len(tasks))
	for name, spec := range tasks {
		seen[name] = true
		if tr, ok := l.tasks[name]; ok {
			tr.Reconfigure(spec)
		} else {
			l.tasks[name] = NewTaskRuntime(spec, l.Logger)
		}
	}
	for name, tr := range l.tasks {
		if !seen[name] {
			tr.Retire()
			l.watches.UnsubscribeAll(name)
			if l.moduleWatch != nil {
				l.moduleWatch.Remove(name)
			}
		}
	}
	l.syncWatches()
	// Retired tasks keep their Spec, so syncWatches subscribes their
	// paths again; drop those subscriptions once more here.
	for name := range l.tasks {
		if !seen[name] {
			for _, freed := range l.watches.UnsubscribeAll(name) {
				l.watcher.Remove([]string{freed})
			}
		}
	}
}

// SetModuleWatch installs the ModuleWatcher (§4.3) that tracks the
// transitive Python import closure for every events:[{type:"python"}]
// task. Meant to be called once at startup with the same *modwatch.Watch
// already passed to configdoc.Build as its Analyzer, so every reload's
// validateEvents pass keeps its name->script registration current and
// Legion only has to mirror Files() into the Watcher and route changes
// back through NamesFor/Rescan.
func (l *Legion) SetModuleWatch(mw *modwatch.Watch) {
	l.moduleWatch = mw
	l.syncModuleWatch()
}

// AdoptOrphans scans every in-scope task with a configured pidfile for
// a live orphaned process matching its start[0] executable, adopting it
// as slot 0 without a respawn (§4.6 "Orphan adoption"). Meant to be
// called exactly once, after ApplyTable and SetGlobalContext, before
// the main loop begins.
func (l *Legion) AdoptOrphans(now time.Time) {
	for _, name := range l.taskOrder() {
		tr := l.tasks[name]
		if tr.Spec == nil || tr.Spec.Pidfile == "" || !tr.Spec.InScope(l.activeRole) {
			continue
		}
		inj := &TaskInjection{
			Name:     tr.Spec.Name,
			Pidfile:  tr.Spec.Pidfile,
			Cwd:      tr.Spec.Cwd,
			Instance: 0,
			User:     tr.Spec.User,
			Group:    tr.Spec.Group,
		}
		ctx := BuildContext(l.base, l.globalDefaults, l.globalDefines, l.globalRoleDefaults, l.globalRoleDefines,
			tr.Spec.Defaults, tr.Spec.Defines, tr.Spec.RoleDefaults, tr.Spec.RoleDefines,
			l.roleOrder, l.activeRole, inj)
		path, ok := SubstituteString(tr.Spec.Pidfile, ctx)
		if !ok {
			continue
		}
		if err := tr.AdoptOrphan(path, now); err == nil {
			l.logf(false, "adopted orphan for %s, pid %d", tr.Spec.Name, tr.Slots[0].Slot.Pid)
		}
	}
}

// syncWatches brings the WatchSet/Watcher into agreement with every
// in-scope task's declared event paths plus the config and roles files
// (§3 invariant 5, §8 property 2).
func (l *Legion) syncWatches() {
	for name, tr := range l.tasks {
		if tr.Spec == nil || !tr.Spec.InScope(l.activeRole) {
			for _, freed := range l.watches.UnsubscribeAll(name) {
				l.watcher.Remove([]string{freed})
			}
			continue
		}
		wanted := make(map[string]bool)
		for _, ev := range tr.Spec.Events {
			if ev.Path != "" {
				wanted[ev.Path] = true
			}
		}
		for path := range wanted {
			if l.watches.Subscribe(path, name) {
				l.watcher.Add([]string{path}, true)
			}
		}
		for _, path := range l.watches.Paths() {
			if !wanted[path] && l.watches.Unsubscribe(path, name) {
				l.watcher.Remove([]string{path})
			}
		}
	}
	if l.configPath != "" {
		l.watcher.Add([]string{l.configPath}, false)
	}
	if l.rolesPath != "" {
		l.watcher.Add([]string{l.rolesPath}, true)
	}
	l.syncModuleWatch()
}

// syncModuleWatch brings the Watcher into agreement with
// moduleWatch.Files(), the current transitive closure of every
// python-event task's imports (§4.3). Called after every ApplyTable and
// after any Rescan that may have changed the closure.
func (l *Legion) syncModuleWatch() {
	if l.moduleWatch == nil {
		return
	}
	wanted := make(map[string]bool)
	for _, p := range l.moduleWatch.Files() {
		wanted[p] = true
	}

	var added, removed []string
	for p := range wanted {
		if !l.moduleWatchedPaths[p] {
			added = append(added, p)
		}
	}
	for p := range l.moduleWatchedPaths {
		if !wanted[p] {
			removed = append(removed, p)
		}
	}
	if len(added) > 0 {
		sort.Strings(added)
		l.watcher.Add(added, true)
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		l.watcher.Remove(removed)
	}
	l.moduleWatchedPaths = wanted
}

// taskOrder returns task names sorted, for deterministic iteration.
func (l *Legion) taskOrder() []string {
	names := make([]string, 0, len(l.tasks))
	for n := range l.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// nextDeadline computes the minimum millisecond timeout to pass to
// Poll across every TaskRuntime's pending timer and the Watcher's
// aggregation window (§4.7 step 1).
func (l *Legion) nextDeadline(now time.Time) int {
	deadline := now.Add(time.Second) // default poll cadence if nothing pending
	have := false

	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !have || t.Before(deadline) {
			deadline = t
			have = true
		}
	}

	for _, tr := range l.tasks {
		for _, rs := range tr.Slots {
			switch rs.State {
			case SlotDelayed:
				consider(rs.delayUntil)
			case SlotRunning:
				consider(rs.timeLimit)
			case SlotStopping:
				consider(rs.Slot.stopSentTerm.Add(StopGracePeriod))
			case SlotCooldown:
				consider(rs.Slot.cooldownUntil)
			}
		}
	}
	consider(l.watcher.NextDeadline())

	if !have {
		return 1000
	}
	ms := int(time.Until(deadline) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// Step runs one iteration of the main loop: compute the deadline, poll,
// dispatch readiness, advance timers, and reconcile task state (§4.7).
func (l *Legion) Step() error {
	now := time.Now()
	timeoutMs := l.nextDeadline(now)

	events, err := l.poll.Poll(timeoutMs)
	if err != nil {
		return err
	}

	sigFD := int(l.signalPipeR.Fd())
	watchFD := l.watcher.FD()

	for _, ev := range events {
		switch {
		case ev.Handle == sigFD:
			l.handleSignals()
		case ev.Handle == watchFD:
			l.watcher.Notify()
		default:
			if ep, ok := l.controlEPs[ev.Handle]; ok {
				if err := ep.Handle(); err != nil {
					l.logf(false, "control connection failed: %v", err)
				}
			}
		}
	}

	if l.watcher.Mode() == watch.ModePolling {
		l.watcher.Scan()
	}
	l.dispatchWatchChanges()
	l.reconcileAll(time.Now())
	return nil
}

// dispatchWatchChanges drains the FileWatcher and routes changes either
// to the config/roles reload path or to task event subscribers (§4.7
// step 3). Config/roles changes are applied before any task-event file
// change in the same batch, and paths within each class are visited in
// lexicographic order, per §5's ordering guarantee -- a reload must
// precede the respawn decisions it may obviate.
func (l *Legion) dispatchWatchChanges() {
	changed := l.watcher.Drain()
	if len(changed) == 0 {
		return
	}
	paths := make([]string, 0, len(changed))
	for path := range changed {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	reloadNeeded := false
	for _, path := range paths {
		if path == l.configPath || path == l.rolesPath {
			reloadNeeded = true
		}
	}
	if reloadNeeded && l.reload != nil {
		if err := l.reload(); err != nil {
			l.logf(false, "config reload failed: %v", err)
		}
	}

	var taskPaths []string
	for _, path := range paths {
		if path == l.configPath || path == l.rolesPath {
			continue
		}
		taskPaths = append(taskPaths, path)
		for _, name := range l.watches.NamesFor(path) {
			l.deliverFileEvent(name, path)
		}
	}
	l.dispatchModuleChanges(taskPaths)
}

// dispatchModuleChanges routes the subset of paths belonging to the
// ModuleWatcher back to their dependent tasks' python-event actions
// (§4.3, §1 "the transitive closure of script modules a task depends
// on"). A changed path that is the task's own script (rather than one
// of its imports) triggers a Rescan first, since the import set itself
// may have moved along with the script's content.
func (l *Legion) dispatchModuleChanges(paths []string) {
	if l.moduleWatch == nil || len(paths) == 0 {
		return
	}
	changed := make(map[string]bool, len(paths))
	for _, p := range paths {
		if l.moduleWatchedPaths[p] {
			changed[p] = true
		}
	}
	if len(changed) == 0 {
		return
	}

	byName := l.moduleWatch.NamesFor(changed)
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	rescanned := false
	for _, name := range names {
		if script, ok := l.moduleWatch.ScriptPath(name); ok && changed[script] {
			if _, err := l.moduleWatch.Rescan(name); err != nil {
				l.logf(false, "module rescan for %s failed: %v", name, err)
			}
			rescanned = true
		}
		l.deliverModuleEvent(name)
	}
	if rescanned {
		l.syncModuleWatch()
	}
}

// deliverModuleEvent fires name's python-event action, unconditional on
// path since the ModuleWatcher's closure is task-wide rather than tied
// to one declared path (§4.3, contrast deliverFileEvent).
func (l *Legion) deliverModuleEvent(name string) {
	tr, ok := l.tasks[name]
	if !ok {
		return
	}
	for _, ev := range tr.Spec.Events {
		if ev.Type == EventPython {
			l.applyAction(tr, ev.Action)
		}
	}
}

// deliverFileEvent applies the action bound to a file_change event for
// the named task (§4.6 "running -> stopping").
func (l *Legion) deliverFileEvent(name, path string) {
	tr, ok := l.tasks[name]
	if !ok {
		return
	}
	for _, ev := range tr.Spec.Events {
		if ev.Type == EventFileChange && ev.Path == path {
			l.applyAction(tr, ev.Action)
		}
	}
}

func (l *Legion) applyAction(tr *TaskRuntime, action Action) {
	switch action.Kind {
	case ActionSignal:
		for _, rs := range tr.Slots {
			if rs.State == SlotRunning {
				if err := rs.Slot.SendSignal(syscall.Signal(action.Signal)); err != nil {
					l.logf(false, "signal delivery to %s failed: %v", tr.Spec.Name, err)
				}
			}
		}
	case ActionCommand:
		if action.Command == "stop" {
			for _, rs := range tr.Slots {
				if rs.State == SlotRunning || rs.State == SlotStarting {
					l.beginStop(tr, rs)
				}
			}
		}
	}
}

// beginStop starts a slot's stop sequence. A user-supplied stop command
// is spawned in place of the built-in SIGTERM when the task defines one
// (§4.6 "A user-supplied stop command is executed instead if defined;
// the built-in escalation still applies after its completion"); either
// way the SIGTERM/SIGKILL grace timer is armed against the slot's own
// process now, so reconcileTask's SlotStopping case still escalates to
// SIGKILL if nothing has exited it within the grace period.
func (l *Legion) beginStop(tr *TaskRuntime, rs *runtimeSlot) {
	stop := tr.Spec.Commands["stop"]
	if len(stop) == 0 {
		if err := rs.BeginStop(); err != nil {
			l.logf(false, "stop of %s[%d] failed: %v", tr.Spec.Name, rs.Slot.Instance, err)
		}
		return
	}

	inj := &TaskInjection{
		Name:     tr.Spec.Name,
		Pid:      rs.Slot.Pid,
		Pidfile:  tr.Spec.Pidfile,
		Cwd:      tr.Spec.Cwd,
		Instance: rs.Slot.Instance,
		User:     tr.Spec.User,
		Group:    tr.Spec.Group,
	}
	ctx := BuildContext(l.base, l.globalDefaults, l.globalDefines, l.globalRoleDefaults, l.globalRoleDefines,
		tr.Spec.Defaults, tr.Spec.Defines, tr.Spec.RoleDefaults, tr.Spec.RoleDefines,
		l.roleOrder, l.activeRole, inj)

	argv, errs := ExpandArgv(stop, ctx)
	for _, e := range errs {
		l.logf(false, "%s: %v", tr.Spec.Name, e)
	}
	cwd, _ := SubstituteString(tr.Spec.Cwd, ctx)

	rs.BeginStopCommand()
	if _, err := spawnProcess(argv, ctx.Environ(), cwd, tr.Spec.User, tr.Spec.Group, ""); err != nil {
		l.logf(false, "stop command for %s[%d] failed, falling back to SIGTERM: %v", tr.Spec.Name, rs.Slot.Instance, err)
		if err := rs.Slot.SendSignal(syscall.SIGTERM); err != nil {
			l.logf(false, "stop of %s[%d] failed: %v", tr.Spec.Name, rs.Slot.Instance, err)
		}
	}
}

// reconcileAll advances every TaskRuntime toward its desired state
// (§4.7 step 5).
func (l *Legion) reconcileAll(now time.Time) {
	for _, name := range l.taskOrder() {
		l.reconcileTask(l.tasks[name], now)
	}
	l.processOnExits(now)
}

// reconcileTask drives one task's slots through the state machine one
// step at a time, the way the teacher's Manager loop walks its Service
// set each cycle.
func (l *Legion) reconcileTask(tr *TaskRuntime, now time.Time) {
	if tr.Spec == nil || !tr.Spec.InScope(l.activeRole) {
		return
	}
	if tr.Spec.Control == ControlEvent {
		l.reconcileTimers(tr, now)
		return
	}

	satisfied := tr.RequiresSatisfied(now, l.tasks)
	for _, rs := range tr.Slots {
		switch rs.State {
		case SlotBlocked:
			if satisfied {
				rs.BeginDelay(now, tr.Spec.StartDelay)
			}
		case SlotDelayed:
			if rs.DelayElapsed(now) {
				l.startSlot(tr, rs, now)
			}
		case SlotRunning:
			if rs.Slot.Adopted {
				if !ProcessAlive(rs.Slot.Pid) {
					rs.Slot.Exited = true
					rs.Slot.Pid = 0
					rs.Slot.ExitErr = nil
					tr.OnExit(rs, now)
				}
				continue
			}
			if l.exiting || rs.TimeLimitExceeded(now) {
				l.beginStop(tr, rs)
			}
		case SlotStopping:
			if rs.Slot.NeedsKill(now) {
				if err := rs.Slot.Escalate(); err != nil {
					l.logf(false, "kill of %s[%d] failed: %v", tr.Spec.Name, rs.Slot.Instance, err)
				}
			}
		case SlotCooldown:
			rs.CooldownElapsed(now, tr.Spec.StartDelay)
		}
	}
}

// reconcileTimers advances only stop-escalation timers, the only
// transition control=event tasks ever make outside of an explicit
// action (§4.6 "event -- ... stop actions on this control are
// ignored" does not forbid stop by other means such as shutdown).
func (l *Legion) reconcileTimers(tr *TaskRuntime, now time.Time) {
	for _, rs := range tr.Slots {
		if rs.State == SlotStopping && rs.Slot.NeedsKill(now) {
			rs.Slot.Escalate()
		}
	}
}

// startSlot resolves the slot's context and argv and spawns it,
// registering event paths with the WatchSet on success (§4.6 "delayed
// -> starting -> running").
func (l *Legion) startSlot(tr *TaskRuntime, rs *runtimeSlot, now time.Time) {
	rs.State = SlotStarting

	inj := &TaskInjection{
		Name:     tr.Spec.Name,
		Ppid:     os.Getpid(),
		Pidfile:  tr.Spec.Pidfile,
		Cwd:      tr.Spec.Cwd,
		Instance: rs.Slot.Instance,
		User:     tr.Spec.User,
		Group:    tr.Spec.Group,
	}
	ctx := BuildContext(l.base, l.globalDefaults, l.globalDefines, l.globalRoleDefaults, l.globalRoleDefines,
		tr.Spec.Defaults, tr.Spec.Defines,
		tr.Spec.RoleDefaults, tr.Spec.RoleDefines,
		l.roleOrder, l.activeRole, inj)

	argv, errs := ExpandArgv(tr.Spec.Commands["start"], ctx)
	for _, e := range errs {
		l.logf(false, "%s: %v", tr.Spec.Name, e)
	}
	procname, _ := SubstituteString(tr.Spec.Procname, ctx)
	cwd, _ := SubstituteString(tr.Spec.Cwd, ctx)

	if err := rs.Slot.Spawn(argv, ctx.Environ(), cwd, tr.Spec.User, tr.Spec.Group, procname); err != nil {
		l.logf(false, "spawn failed for %s[%d]: %v", tr.Spec.Name, rs.Slot.Instance, err)
		rs.Slot.NextCooldown(now, jitter)
		rs.State = SlotCooldown
		return
	}
	rs.BeginRun(now, tr.Spec.TimeLimit)
	l.logf(true, "started %s[%d] pid %d", tr.Spec.Name, rs.Slot.Instance, rs.Slot.Pid)

	for _, ev := range tr.Spec.Events {
		if ev.Path != "" && l.watches.Subscribe(ev.Path, tr.Spec.Name) {
			l.watcher.Add([]string{ev.Path}, true)
		}
	}
}

// processOnExits re-arms any onexit:start targets once a downstream
// task's slots have all terminated (§4.6).
func (l *Legion) processOnExits(now time.Time) {
	for _, name := range l.taskOrder() {
		tr := l.tasks[name]
		if tr.Spec == nil || len(tr.Spec.OnExit) == 0 || !tr.AllTerminated() {
			continue
		}
		for _, oe := range tr.Spec.OnExit {
			if up, ok := l.tasks[oe.Task]; ok {
				up.Rearm(now)
			}
		}
	}
}

// Reap repeats non-blocking wait4 calls until no exited child remains,
// delivering each exit to the owning slot by pid; called once per
// SIGCHLD observed on the signal self-pipe (§4.7 step 3, §5
// "spawn/reap syscalls").
func (l *Legion) Reap() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		now := time.Now()
		for _, tr := range l.tasks {
			for _, rs := range tr.Slots {
				if rs.Slot.Pid == pid {
					rs.Slot.MarkExited(ws)
					tr.OnExit(rs, now)
				}
			}
		}
	}
}

// StopAll sends the stop sequence to every live slot except adopted
// orphans, used by both --reset and --stop: "stop all slots except
// adopted ones" (§4.7).
func (l *Legion) StopAll() {
	for _, tr := range l.tasks {
		for _, rs := range tr.Slots {
			if rs.Slot.Adopted {
				continue
			}
			if rs.State == SlotRunning || rs.State == SlotStarting {
				l.beginStop(tr, rs)
			}
		}
	}
}

// RequestExit marks the loop to drain running slots and stop, the
// --stop / SIGTERM path (§4.7).
func (l *Legion) RequestExit() {
	l.exiting = true
}

// RequestReset marks the loop to drain running slots and then re-exec,
// the --reset / SIGHUP path (§4.7).
func (l *Legion) RequestReset() {
	l.exiting = true
	l.resetting = true
}

// Exiting reports whether a stop/reset has been requested.
func (l *Legion) Exiting() bool { return l.exiting }

// Resetting reports whether the pending exit is a reset.
func (l *Legion) Resetting() bool { return l.resetting }

// AllStopped reports whether every slot is out of the running/starting/
// stopping set, the condition that allows RequestExit/RequestReset to
// actually terminate or re-exec.
func (l *Legion) AllStopped() bool {
	for _, tr := range l.tasks {
		for _, rs := range tr.Slots {
			if rs.Slot.Adopted {
				continue
			}
			switch rs.State {
			case SlotRunning, SlotStarting, SlotStopping:
				return false
			}
		}
	}
	return true
}

// SetReloadFunc installs the callback invoked when the config or roles
// file changes.
func (l *Legion) SetReloadFunc(f func() error) {
	l.reload = f
}

// Reload runs the installed reload callback on demand, backing
// POST /manage/reload (§6) the same way a config file change does.
func (l *Legion) Reload() error {
	if l.reload == nil {
		return nil
	}
	return l.reload()
}

// SetConfigPaths records the config and roles file paths so they can be
// distinguished from task event paths in dispatchWatchChanges, and
// registers them with the Watcher.
func (l *Legion) SetConfigPaths(configPath, rolesPath string) {
	l.configPath = configPath
	l.rolesPath = rolesPath
	if configPath != "" {
		l.watcher.Add([]string{configPath}, false)
	}
	if rolesPath != "" {
		l.watcher.Add([]string{rolesPath}, true)
	}
}

// Tasks exposes the current TaskRuntime table, for the control plane's
// status endpoints.
func (l *Legion) Tasks() map[string]*TaskRuntime {
	return l.tasks
}

// GetTaskCount reports the configured slot count for name, backing
// GET /manage/count (§6).
func (l *Legion) GetTaskCount(name string) (int, error) {
	tr, ok := l.tasks[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchTask, name)
	}
	return len(tr.Slots), nil
}

// SetTaskCount resizes name's slot count in place, backing
// POST /manage/count (§6, §4.6 "resize").
func (l *Legion) SetTaskCount(name string, count int) error {
	tr, ok := l.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTask, name)
	}
	if count < 1 {
		return fmt.Errorf("count must be >= 1, got %d", count)
	}
	spec := *tr.Spec
	spec.Count = count
	tr.Reconfigure(&spec)
	return nil
}

// SetTaskControl changes name's control mode in place, backing
// POST /manage/control (§6).
func (l *Legion) SetTaskControl(name, ctl string) error {
	tr, ok := l.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTask, name)
	}
	c := Control(ctl)
	if !c.valid() {
		return fmt.Errorf("%w: %s", ErrBadControl, ctl)
	}
	spec := *tr.Spec
	spec.Control = c
	tr.Reconfigure(&spec)
	return nil
}
