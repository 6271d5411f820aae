package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// detachKey is Ctrl-] in raw mode.
const detachKey = 0x1d

var terminalCmd = &cobra.Command{
	Use:   "terminal",
	Short: "Open a live terminal on your agent host",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTerminal()
	},
}

func init() {
	rootCmd.AddCommand(terminalCmd)
}

type termStreamMessage struct {
	Type    string   `json:"type"`
	Data    string   `json:"data"`
	Chunks  []string `json:"chunks"`
	Message string   `json:"message"`
}

func runTerminal() error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	var connResp struct {
		SessionID string `json:"sessionId"`
	}
	err = apiRequest("POST", "/v1/terminal/connect", http.StatusOK, map[string]int{
		"cols": cols,
		"rows": rows,
	}, &connResp)
	if err != nil {
		return err
	}
	sessionID := connResp.SessionID
	defer apiRequest("POST", "/v1/terminal/disconnect", http.StatusNoContent,
		map[string]string{"sessionId": sessionID}, nil)

	conn, err := dialTerminalStream(sessionID)
	if err != nil {
		return err
	}
	defer conn.Close()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Printf("Connected. Detach with Ctrl-].\r\n")

	errCh := make(chan error, 2)

	// Stream output to the local terminal.
	go func() {
		for {
			var msg termStreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case streamTypeOutput:
				writeBase64(os.Stdout, msg.Data)
			case streamTypeBatch:
				for _, chunk := range msg.Chunks {
					writeBase64(os.Stdout, chunk)
				}
			case streamTypeSystem:
				errCh <- fmt.Errorf("server: %s", msg.Message)
				return
			}
		}
	}()

	// Forward local keystrokes.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			if n == 1 && buf[0] == detachKey {
				errCh <- nil
				return
			}
			err = apiRequest("POST", "/v1/terminal/input", http.StatusNoContent, map[string]string{
				"sessionId": sessionID,
				"data":      base64.StdEncoding.EncodeToString(buf[:n]),
			}, nil)
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	// Propagate window resizes and keep the session's heartbeat fresh.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	heartbeat := time.NewTicker(time.Minute)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				fmt.Printf("\r\n")
				return err
			}
			fmt.Printf("\r\nDetached.\r\n")
			return nil
		case <-winch:
			if c, r, err := term.GetSize(fd); err == nil {
				apiRequest("POST", "/v1/terminal/resize", http.StatusNoContent, map[string]interface{}{
					"sessionId": sessionID,
					"cols":      c,
					"rows":      r,
				}, nil)
			}
		case <-heartbeat.C:
			apiRequest("POST", "/v1/terminal/heartbeat", http.StatusNoContent,
				map[string]string{"sessionId": sessionID}, nil)
		}
	}
}

// Stream message types mirrored from the control plane.
const (
	streamTypeConnected = "connected"
	streamTypeOutput    = "output"
	streamTypeBatch     = "batch"
	streamTypeSystem    = "system"
)

func dialTerminalStream(sessionID string) (*websocket.Conn, error) {
	token, err := loadToken()
	if err != nil {
		return nil, err
	}

	wsURL := apiURL()
	if strings.HasPrefix(wsURL, "https://") {
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	} else {
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/v1/terminal/stream?session=" + url.QueryEscape(sessionID) + "&token=" + url.QueryEscape(token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}

	// First frame is the connected acknowledgment.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg termStreamMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != streamTypeConnected {
		conn.Close()
		return nil, fmt.Errorf("stream handshake failed")
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func writeBase64(w *os.File, data string) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return
	}
	w.Write(raw)
}
