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
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is a single line retained in the in-memory ring buffer that
// backs GET /status/log.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a bounded ring buffer that implements io.Writer so it can be
// plugged into a log.Logger. It exists so the control plane can serve
// recent supervisor log activity without holding an unbounded buffer.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	mx         sync.Mutex
}

func (l *Log) Write(b []byte) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.maxRecords == 0 {
		l.maxRecords = MaxLogRecords
	}
	if l.records == nil {
		l.records = make([]LogRecord, l.maxRecords)
	}
	str := strings.Trim(string(b), "\n")
	for _, line := range strings.Split(str, "\n") {
		idx := l.numRecords % l.maxRecords
		l.id++
		l.records[idx] = LogRecord{Id: l.id, Time: time.Now(), Text: line}
		l.numRecords++
	}
	return len(b), nil
}

// GetRecords returns the records retained, and the current id, suitable
// for use as an Etag. If last equals the current id, nil is returned
// without copying anything.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := l.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, l.records[index%l.maxRecords])
		index++
	}
	return recs, l.id
}

// NewLog returns a Log instance.
func NewLog() *Log {
	return &Log{
		maxRecords: MaxLogRecords,
		id:         time.Now().UnixNano(),
	}
}
