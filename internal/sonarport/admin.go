package sonarport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<title>sonar: send command</title>
<form method="post" action="send-command-api">
<input name="command" placeholder="raw command" autofocus>
<button type="submit">send</button>
</form>
<pre id="tail"></pre>
<script src="tail.js"></script>
`))

const tailScript = `
const es = new EventSource("tail");
const out = document.getElementById("tail");
es.onmessage = (e) => {
	out.textContent += e.data + "\n";
	window.scrollTo(0, document.body.scrollHeight);
};
`

// Tailer fans out human-readable frame/line summaries to any number of
// SSE subscribers, mirroring the line broadcast a text-protocol serial
// mux would offer, generalized to whatever short summary string the
// caller wants to publish per frame.
type Tailer struct {
	mu          sync.Mutex
	subscribers map[string]chan string
}

// NewTailer returns an empty Tailer.
func NewTailer() *Tailer {
	return &Tailer{subscribers: make(map[string]chan string)}
}

func randomTailID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new listener and returns its id and channel.
func (t *Tailer) Subscribe() (string, chan string) {
	id := randomTailID()
	ch := make(chan string, 16)
	t.mu.Lock()
	t.subscribers[id] = ch
	t.mu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a listener's channel.
func (t *Tailer) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Publish delivers line to every current subscriber, dropping it for any
// subscriber whose channel is full rather than blocking the caller.
func (t *Tailer) Publish(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// AttachAdminRoutes mounts the raw-command-injection and live-tail debug
// routes onto mux, following the same tsweb.Debugger registration shape
// used elsewhere in this pipeline's admin surface.
func AttachAdminRoutes(mux *http.ServeMux, port SonarPorter, tailer *Tailer) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "inject a raw command onto the sonar serial link", func(w http.ResponseWriter, r *http.Request) {
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "missing command", http.StatusBadRequest)
			return
		}
		if err := Write(port, command); err != nil {
			http.Error(w, "failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("wrote command %q to serial port\n", command))
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, ch := tailer.Subscribe()
		defer tailer.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case line, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		io.WriteString(w, tailScript)
	})
}
