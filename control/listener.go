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

package control

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Endpoint is one listener bound and registered with a Poller. Unlike
// net/http's Server, which spawns a goroutine per accepted connection,
// Endpoint's Handle method is meant to be called directly from the
// Legion main loop when the listener's descriptor becomes readable:
// it accepts exactly one pending connection, reads one request, runs
// it to completion against the Handler, and closes -- never yielding
// to any other connection in between (spec §4.8).
type Endpoint struct {
	ln      net.Listener
	handler http.Handler
}

// Listen binds l.Addr, wrapping with TLS if l.Certfile is set, and
// returns an Endpoint ready for registration with a Poller via FD().
// l.Addr names a TCP host:port unless prefixed "unix:" or given as a
// bare filesystem path, in which case it binds a local socket (spec
// §4.8 "bound to a TCP address or a local socket path").
func Listen(l Listener, handler http.Handler) (*Endpoint, error) {
	network, addr := "tcp", l.Addr
	switch {
	case strings.HasPrefix(l.Addr, "unix:"):
		network, addr = "unix", strings.TrimPrefix(l.Addr, "unix:")
	case strings.HasPrefix(l.Addr, "/"):
		network = "unix"
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if l.Certfile != "" {
		cert, err := tls.LoadX509KeyPair(l.Certfile, l.Certfile)
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return &Endpoint{ln: ln, handler: handler}, nil
}

// fileListener is satisfied by *net.TCPListener and *net.UnixListener.
type fileListener interface {
	File() (*os.File, error)
}

// FD returns the listening socket's descriptor for Poller registration.
// TLS wraps the listener in a type that doesn't expose File(); those
// listeners are not pollable and are driven by a dedicated accept loop
// instead (see errNotPollable below).
func (e *Endpoint) FD() (int, error) {
	fl, ok := e.ln.(fileListener)
	if !ok {
		return -1, errNotPollable
	}
	f, err := fl.File()
	if err != nil {
		return -1, err
	}
	return int(f.Fd()), nil
}

// responseBuffer is a minimal http.ResponseWriter that captures a
// handler's output in memory so it can be written to the connection in
// one shot after the handler returns, rather than streaming live (which
// would risk the single-threaded loop blocking on a slow client).
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header), status: http.StatusOK}
}

func (r *responseBuffer) Header() http.Header         { return r.header }
func (r *responseBuffer) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *responseBuffer) WriteHeader(status int)      { r.status = status }

func (r *responseBuffer) writeTo(conn net.Conn) error {
	r.header.Set("Content-Length", strconv.Itoa(r.body.Len()))
	statusLine := "HTTP/1.1 " + strconv.Itoa(r.status) + " " + http.StatusText(r.status) + "\r\n"
	if _, err := conn.Write([]byte(statusLine)); err != nil {
		return err
	}
	if err := r.header.Write(conn); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("\r\n")); err != nil {
		return err
	}
	_, err := conn.Write(r.body.Bytes())
	return err
}

// Handle accepts exactly one connection and serves exactly one request
// from it to completion, in the calling goroutine, then closes the
// connection. This is the cooperative-serving contract of §4.8.
func (e *Endpoint) Handle() error {
	conn, err := e.ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	rec := newResponseBuffer()
	e.handler.ServeHTTP(rec, req)
	return rec.writeTo(conn)
}

// Close releases the listening socket.
func (e *Endpoint) Close() error {
	return e.ln.Close()
}

var errNotPollable = &notPollableError{}

type notPollableError struct{}

func (*notPollableError) Error() string {
	return "listener does not expose a pollable file descriptor"
}
