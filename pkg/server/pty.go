package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
	"nhooyr.io/websocket"
)

const (
	maxWSReadBytesPTY = 256 * 1024
	wsPingInterval    = 20 * time.Second
	wsPingTimeout     = 5 * time.Second
)

type ptyMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

func (s *Server) handlePTY(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Terminal.Enabled {
		http.Error(w, "terminal disabled", http.StatusForbidden)
		return
	}
	if _, ok := s.authorize(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.isWebSocketOriginAllowed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.allow(w, r, s.limiter) {
		return
	}
	if !s.ptyConns.tryAcquire() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.ptyConns.release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("pty websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytesPTY)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn)

	cmd := buildPTYCommand(r)
	ptmx, err := startPTY(cmd, r)
	if err != nil {
		_ = conn.Write(ctx, websocket.MessageText, marshalPTYError(err))
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer func() {
		_ = ptmx.Close()
	}()

	// Copy PTY output to websocket
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		buffer := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buffer)
			if n > 0 {
				packet := ptyMessage{
					Type: "data",
					Data: base64.StdEncoding.EncodeToString(buffer[:n]),
				}
				if payload, mErr := json.Marshal(packet); mErr == nil {
					writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
					_ = conn.Write(writeCtx, websocket.MessageText, payload)
					cancel()
				}
			}
			if err != nil {
				packet := ptyMessage{
					Type: "exit",
					Data: strconv.Itoa(ptyExitCode(err)),
				}
				if payload, mErr := json.Marshal(packet); mErr == nil {
					_ = conn.Write(ctx, websocket.MessageText, payload)
				}
				return
			}
		}
	}()

	// Read inbound websocket messages
receiveLoop:
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if messageType != websocket.MessageText {
			continue
		}

		var msg ptyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "input":
			if msg.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			_, _ = ptmx.Write(raw)
		case "resize":
			rows, okRows := intToUint16(msg.Rows)
			cols, okCols := intToUint16(msg.Cols)
			if !okRows || !okCols {
				continue
			}
			_ = pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
		case "close":
			break receiveLoop
		default:
			// ignore unknown message types
		}
	}

	cancel()
	<-outputDone
	_ = conn.Close(websocket.StatusNormalClosure, "pty closed")
}

func startWSPing(ctx context.Context, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}

func buildPTYCommand(r *http.Request) *exec.Cmd {
	query := r.URL.Query()
	rawCommand := strings.TrimSpace(query.Get("cmd"))
	var cmd *exec.Cmd

	if rawCommand == "" {
		userShell := os.Getenv("SHELL")
		if userShell == "" {
			if runtime.GOOS == "windows" {
				if pwsh, err := exec.LookPath("pwsh"); err == nil {
					userShell = pwsh
				} else if powershell, err := exec.LookPath("powershell"); err == nil {
					userShell = powershell
				} else {
					userShell = "cmd.exe"
				}
			} else {
				userShell = "/bin/bash"
			}
		}
		if runtime.GOOS == "windows" {
			cmd = exec.Command(userShell)
		} else {
			cmd = exec.Command(userShell, "-l")
		}
	} else {
		args := strings.Fields(rawCommand)
		cmd = exec.Command(args[0], args[1:]...)
	}

	cwd := strings.TrimSpace(query.Get("cwd"))
	if cwd != "" {
		if abs, err := filepath.Abs(cwd); err == nil {
			cmd.Dir = abs
		}
	}
	cmd.Env = os.Environ()
	return cmd
}

func startPTY(cmd *exec.Cmd, r *http.Request) (*os.File, error) {
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows16, okRows := intToUint16(rows)
	cols16, okCols := intToUint16(cols)
	if okRows && okCols {
		return pty.StartWithSize(cmd, &pty.Winsize{Rows: rows16, Cols: cols16})
	}
	return pty.Start(cmd)
}

func intToUint16(value int) (uint16, bool) {
	if value <= 0 || value > math.MaxUint16 {
		return 0, false
	}
	return uint16(value), true
}

func ptyExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ProcessState != nil {
		return exitErr.ProcessState.ExitCode()
	}
	return -1
}

func marshalPTYError(err error) []byte {
	packet := ptyMessage{Type: "error", Data: err.Error()}
	payload, mErr := json.Marshal(packet)
	if mErr != nil {
		return []byte(`{"type":"error"}`)
	}
	return payload
}
