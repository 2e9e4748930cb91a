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

// Package control implements the ControlPlane component (spec §4.8):
// an HTTP endpoint, registered with the Poller via its listening
// handle, that serves the status/manage URL contract of §6. Each
// accepted connection is processed to completion inline -- there is no
// per-connection goroutine, matching the single-threaded cooperative
// model of §5.
package control

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Backend is the subset of Legion the control plane needs, kept as an
// interface so it can be tested without a real supervisor.
type Backend interface {
	Version() string
	TaskStatus() map[string]interface{}
	ConfigSummary() map[string]interface{}
	SetCount(task string, count int) error
	GetCount(task string) (int, error)
	SetControl(task, control string) error
	Reload() error
	Reset()
	Stop()

	// LogSince returns the retained log records (none when last already
	// equals the id of the most recent record), and that most recent id,
	// for the ring-buffer-backed /status/log endpoint.
	LogSince(last int64) (records interface{}, newest int64)
}

// Error is the structured body returned on a failed request, in the
// teacher's rest.Error shape.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Listener is one configured HTTP control-plane endpoint (spec §6
// settings.http[]).
type Listener struct {
	Addr         string
	Certfile     string
	AllowControl bool
}

// Handler wraps a Backend, adding http.Handler functionality. The
// allow_control gate on /manage/* is enforced per-listener by wrapping
// distinct Handler instances with different allowControl values, the
// way the teacher's rest.Handler wraps one Manager per mounted router.
type Handler struct {
	backend      Backend
	router       *mux.Router
	allowControl bool
}

// NewHandler builds the router for the status/manage URL contract
// (spec §6).
func NewHandler(backend Backend, allowControl bool) *Handler {
	h := &Handler{backend: backend, allowControl: allowControl}
	r := mux.NewRouter()
	r.HandleFunc("/status/version", h.statusVersion).Methods("GET")
	r.HandleFunc("/status/tasks", h.statusTasks).Methods("GET")
	r.HandleFunc("/status/config", h.statusConfig).Methods("GET")
	r.HandleFunc("/status/log", h.statusLog).Methods("GET")
	r.HandleFunc("/manage/count", h.manageCountGet).Methods("GET")
	r.HandleFunc("/manage/count", h.manageCountPost).Methods("POST")
	r.HandleFunc("/manage/control", h.manageControl).Methods("POST")
	r.HandleFunc("/manage/reload", h.manageReload).Methods("POST")
	r.HandleFunc("/manage/reset", h.manageReset).Methods("POST")
	r.HandleFunc("/manage/stop", h.manageStop).Methods("POST")
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	b, err := json.Marshal(&Error{Code: code, Message: message})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func (h *Handler) requireControl(w http.ResponseWriter) bool {
	if !h.allowControl {
		h.writeError(w, http.StatusForbidden, "allow_control is not set on this listener")
		return false
	}
	return true
}

func (h *Handler) statusVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"version": h.backend.Version()})
}

func (h *Handler) statusTasks(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.backend.TaskStatus())
}

func (h *Handler) statusConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.backend.ConfigSummary())
}

func (h *Handler) statusLog(w http.ResponseWriter, r *http.Request) {
	var last int64
	if v := r.URL.Query().Get("last"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "malformed last parameter")
			return
		}
		last = parsed
	}
	records, newest := h.backend.LogSince(last)
	h.writeJSON(w, map[string]interface{}{"records": records, "last": newest})
}

func (h *Handler) manageCountGet(w http.ResponseWriter, r *http.Request) {
	if !h.requireControl(w) {
		return
	}
	task := r.URL.Query().Get("task")
	if task == "" {
		h.writeError(w, http.StatusBadRequest, "missing task parameter")
		return
	}
	count, err := h.backend.GetCount(task)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, map[string]int{"count": count})
}

func (h *Handler) manageCountPost(w http.ResponseWriter, r *http.Request) {
	if !h.requireControl(w) {
		return
	}
	var body struct {
		Task  string `json:"task"`
		Count int    `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.backend.SetCount(body.Task, body.Count); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, map[string]bool{"ok": true})
}

func (h *Handler) manageControl(w http.ResponseWriter, r *http.Request) {
	if !h.requireControl(w) {
		return
	}
	var body struct {
		Task    string `json:"task"`
		Control string `json:"control"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.backend.SetControl(body.Task, body.Control); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, map[string]bool{"ok": true})
}

func (h *Handler) manageReload(w http.ResponseWriter, r *http.Request) {
	if !h.requireControl(w) {
		return
	}
	if err := h.backend.Reload(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, map[string]bool{"ok": true})
}

func (h *Handler) manageReset(w http.ResponseWriter, r *http.Request) {
	if !h.requireControl(w) {
		return
	}
	h.writeJSON(w, map[string]bool{"ok": true})
	h.backend.Reset()
}

func (h *Handler) manageStop(w http.ResponseWriter, r *http.Request) {
	if !h.requireControl(w) {
		return
	}
	h.writeJSON(w, map[string]bool{"ok": true})
	h.backend.Stop()
}

// listenerAddr reports the address a net.Listener is actually bound to
// -- used after binding an ephemeral port (":0") in tests.
func listenerAddr(ln net.Listener) string {
	return ln.Addr().String()
}
