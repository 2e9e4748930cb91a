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
	"crypto/tls"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndpointHandleServesOneRequest(t *testing.T) {
	ep, err := Listen(Listener{Addr: "127.0.0.1:0"}, NewHandler(newFakeBackend(), false))
	require.NoError(t, err)
	defer ep.Close()

	addr := listenerAddr(ep.ln)

	done := make(chan error, 1)
	go func() {
		done <- ep.Handle()
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/status/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, <-done)
}

func TestEndpointFDRejectsTLSListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ep := &Endpoint{ln: tls.NewListener(ln, &tls.Config{})}
	_, err = ep.FD()
	require.Error(t, err)
}
