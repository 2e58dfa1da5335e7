package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	sshc "example.com/treefleet/internal/ssh"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type terminalMessage struct {
	Type string `json:"type"` // "data" or "resize"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// HandleTerminal bridges a websocket to an interactive shell on the runner
// host, for inspecting assets and service logs.
func (c *Controller) HandleTerminal(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDWithSuffix(r.URL.Path, "/api/runners/", "terminal")
	if err != nil {
		http.Error(w, "invalid runner id", http.StatusBadRequest)
		return
	}
	rn, err := c.DB.GetRunnerByID(r.Context(), id)
	if err != nil {
		http.Error(w, "runner not found", http.StatusNotFound)
		return
	}
	defaults, err := c.DB.GetDefaultDeployConfig(r.Context())
	if err != nil {
		http.Error(w, "failed to load deploy defaults", http.StatusInternalServerError)
		return
	}
	cfg := mergeDeployConfig(rn.DeployConfig, defaults)
	if cfg.Address == "" || cfg.User == "" || cfg.SSHKey == "" {
		http.Error(w, "runner ssh credentials missing", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade", "error", err)
		return
	}
	defer ws.Close()

	var wsMu sync.Mutex
	writeWS := func(kind int, data []byte) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		return ws.WriteMessage(kind, data)
	}
	fail := func(format string, args ...any) {
		_ = writeWS(websocket.TextMessage, []byte(fmt.Sprintf("error: "+format+"\r\n", args...)))
	}

	client, err := sshc.Dial(sshc.HostSpec{Addr: cfg.Address, User: cfg.User, PrivateKey: []byte(cfg.SSHKey)})
	if err != nil {
		fail("ssh dial failed: %v", err)
		return
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		fail("ssh session failed: %v", err)
		return
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
		fail("pty request failed: %v", err)
		return
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return
	}
	if err := session.Shell(); err != nil {
		fail("shell failed: %v", err)
		return
	}

	pipe := func(src io.Reader) {
		buf := make([]byte, 1024)
		for {
			n, err := src.Read(buf)
			if err != nil {
				return
			}
			if err := writeWS(websocket.BinaryMessage, buf[:n]); err != nil {
				return
			}
		}
	}
	go pipe(stdout)
	go pipe(stderr)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var tm terminalMessage
		if json.Unmarshal(msg, &tm) == nil {
			switch tm.Type {
			case "resize":
				_ = session.WindowChange(tm.Rows, tm.Cols)
				continue
			case "data":
				_, _ = stdin.Write([]byte(tm.Data))
				continue
			}
		}
		_, _ = stdin.Write(msg)
	}
}
