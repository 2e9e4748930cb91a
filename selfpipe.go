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
	"os"
	"os/signal"
	"syscall"
)

// signalPipeWrite is the write end of the self-pipe a Legion installs
// in installSignalPipe. Go's signal.Notify already delivers signals
// through a channel rather than a raw handler, so the self-pipe here
// exists only to fold that channel back into something pollable
// alongside the Watcher's handle and the control plane's listener,
// preserving the single readable-handle-per-source shape described at
// §5.
var (
	signalPipeWrite *os.File
	sigCh           chan os.Signal
	pendingChld     bool
	pendingTerm     bool
	pendingHup      bool
)

// installHandlers starts relaying SIGCHLD, SIGTERM and SIGHUP onto the
// self-pipe.
func installHandlers() {
	sigCh = make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGHUP)
	go relaySignals()
}

// removeHandlers stops signal delivery and releases the channel.
func removeHandlers() {
	if sigCh != nil {
		signal.Stop(sigCh)
	}
}

// relaySignals runs on its own goroutine, alongside the main loop and
// the fsnotify relay in watch/native.go -- it does no supervisor work, it only turns a channel receive
// into a single byte write so the main loop's Poller wakes up (the same
// role a C-level signal handler plays in the self-pipe technique).
func relaySignals() {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGCHLD:
			pendingChld = true
		case syscall.SIGTERM:
			pendingTerm = true
		case syscall.SIGHUP:
			pendingHup = true
		}
		if signalPipeWrite != nil {
			signalPipeWrite.Write([]byte{0})
		}
	}
}

// handleSignals drains the signal self-pipe and acts on whichever
// flags relaySignals set since the last wakeup (§4.7 step 3).
func (l *Legion) handleSignals() {
	buf := make([]byte, 64)
	l.signalPipeR.Read(buf)

	if pendingChld {
		pendingChld = false
		l.Reap()
	}
	if pendingTerm {
		pendingTerm = false
		l.Logger.Printf("SIGTERM received, stopping")
		l.RequestExit()
		l.StopAll()
	}
	if pendingHup {
		pendingHup = false
		l.Logger.Printf("SIGHUP received, resetting")
		l.RequestReset()
		l.StopAll()
	}
}
