package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"

	"qflow/internal/bridge"
	"qflow/internal/hub"
)

const reconnectDelay = 3 * time.Second

func main() {
	cfg, err := bridge.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	port, err := serial.Open(cfg.SerialPort, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		log.Fatalf("open serial port %s: %v", cfg.SerialPort, err)
	}
	defer port.Close()

	api := bridge.NewAPIClient(cfg.APIURL, cfg.QueueID, cfg.Token, cfg.SessionID)
	br := bridge.New(cfg.Mode, cfg.Advance, api, port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serialLoop(ctx, br, port)
	go pollLoop(ctx, br, cfg.PollInterval)
	go socketLoop(ctx, br, cfg)

	if err := br.Resync(); err != nil {
		log.Printf("initial resync: %v", err)
	}

	<-ctx.Done()
	log.Printf("shutting down")
}

func serialLoop(ctx context.Context, br *bridge.Bridge, port serial.Port) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		br.HandleSerialLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("serial read: %v", err)
	}
}

func pollLoop(ctx context.Context, br *bridge.Bridge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := br.Resync(); err != nil {
				log.Printf("resync: %v", err)
			}
		}
	}
}

// socketLoop keeps a websocket subscription to the public event feed,
// reconnecting with a fixed delay. Each (re)connect joins the queue room
// and resynchronizes to cover anything missed while disconnected.
func socketLoop(ctx context.Context, br *bridge.Bridge, cfg bridge.Config) {
	url := cfg.SocketURL + "/websocket"
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Printf("socket dial %s: %v", url, err)
			sleep(ctx, reconnectDelay)
			continue
		}
		join, _ := json.Marshal(hub.ControlMessage{Action: "join-queue", QueueID: cfg.QueueID})
		if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
			log.Printf("socket join: %v", err)
			conn.Close()
			sleep(ctx, reconnectDelay)
			continue
		}
		if err := br.Resync(); err != nil {
			log.Printf("resync after connect: %v", err)
		}
		readEvents(ctx, br, conn, cfg.QueueID)
		conn.Close()
		sleep(ctx, reconnectDelay)
	}
}

func readEvents(ctx context.Context, br *bridge.Bridge, conn *websocket.Conn, queueID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("socket read: %v", err)
			}
			return
		}
		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("socket message: %v", err)
			continue
		}
		if env.QueueID != queueID {
			continue
		}
		br.HandleEvent(env)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
