// Package observ provides structured JSON-line logging and an in-process
// metrics registry. Log lines and metric writes may come from the read
// loop, timers, and HTTP handlers at once, so both are safe for
// concurrent use.
package observ

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

var logMu sync.Mutex
var logOut io.Writer = os.Stdout

// SetLogOutput redirects log lines, used by tests to keep output quiet.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOut = w
}

// Log emits one JSON line with ts and event keys plus the given fields.
func Log(event string, kv map[string]any) {
	out := make(map[string]any, len(kv)+2)
	for k, v := range kv {
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["event"] = event
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	_, _ = logOut.Write(append(b, '\n'))
}
