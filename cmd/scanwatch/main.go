// Scanwatch - prints scan events from a running scanner
// Connects to /ws/results and logs every result, state change and
// session event until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-scan/internal/log"
	"github.com/teslashibe/go-scan/pkg/hub"
)

func main() {
	host := flag.String("host", "localhost:8080", "Scanner host:port")
	raw := flag.Bool("raw", false, "Print raw JSON")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log.Init(*level)
	logger := log.Component("scanwatch")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws/results"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.Error("failed to connect", "url", u.String(), "error", err)
		os.Exit(1)
	}
	defer ws.Close()
	logger.Info("connected", "url", u.String())

	go func() {
		<-ctx.Done()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("connection lost", "error", err)
				os.Exit(1)
			}
			return
		}
		if *raw {
			fmt.Println(string(data))
			continue
		}
		printEvent(data)
	}
}

type resultData struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Symbol    struct {
		Text   string `json:"text"`
		Format string `json:"format"`
	} `json:"symbol"`
}

func printEvent(data []byte) {
	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Printf("? %s\n", data)
		return
	}

	switch ev.Type {
	case hub.EventResult:
		var r resultData
		if err := json.Unmarshal(ev.Data, &r); err != nil {
			fmt.Printf("? %s\n", ev.Data)
			return
		}
		fmt.Printf("%s  %-12s %s\n", time.Now().Format("15:04:05"), r.Symbol.Format, r.Symbol.Text)
	default:
		fmt.Printf("%s  [%s] %s\n", time.Now().Format("15:04:05"), ev.Type, ev.Data)
	}
}
