package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
)

const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents: guilds, guild messages, direct messages, message content.
const gatewayIntents = (1 << 0) | (1 << 9) | (1 << 12) | (1 << 15)

const (
	opDispatch        = 0
	opHeartbeat       = 1
	opIdentify        = 2
	opHello           = 10
	opHeartbeatAck    = 11
	opReconnectServer = 7
	opInvalidSession  = 9
)

type gatewayPayload struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// MessageHandler receives each inbound MESSAGE_CREATE. Handlers run in their
// own goroutine so a slow walk never blocks the gateway read loop.
type MessageHandler func(ctx context.Context, msg *Message)

// Gateway maintains the realtime connection that delivers inbound messages.
type Gateway struct {
	token         string
	statusMessage string
	log           *logger.Logger

	mu      sync.RWMutex
	botUser User
}

func NewGateway(token, statusMessage string, log *logger.Logger) *Gateway {
	return &Gateway{
		token:         token,
		statusMessage: statusMessage,
		log:           log.With("component", "Gateway"),
	}
}

// BotUser returns the connected bot identity; zero until READY.
func (g *Gateway) BotUser() User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.botUser
}

// Run connects and redials on failure until ctx is done.
func (g *Gateway) Run(ctx context.Context, handler MessageHandler) error {
	backoff := time.Second
	for {
		err := g.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.log.Warn("Gateway connection lost; reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context, handler MessageHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	var (
		seqMu   sync.Mutex
		lastSeq *int64
	)
	writeMu := sync.Mutex{}
	send := func(p any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(p)
	}

	// Hello carries the heartbeat interval.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op=%d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "chatrelay",
				"device":  "chatrelay",
			},
			"presence": map[string]any{
				"activities": []map[string]any{{"name": g.statusMessage, "type": 4, "state": g.statusMessage}},
				"status":     "online",
			},
		},
	}
	if err := send(identify); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				seqMu.Lock()
				seq := lastSeq
				seqMu.Unlock()
				if err := send(map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
					g.log.Warn("Heartbeat send failed", "error", err)
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return fmt.Errorf("gateway read: %w", err)
		}
		if payload.Seq != nil {
			seqMu.Lock()
			lastSeq = payload.Seq
			seqMu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			g.handleDispatch(ctx, payload, handler)
		case opHeartbeat:
			seqMu.Lock()
			seq := lastSeq
			seqMu.Unlock()
			_ = send(map[string]any{"op": opHeartbeat, "d": seq})
		case opReconnectServer, opInvalidSession:
			return fmt.Errorf("gateway requested reconnect (op=%d)", payload.Op)
		case opHeartbeatAck:
		}
	}
}

func (g *Gateway) handleDispatch(ctx context.Context, payload gatewayPayload, handler MessageHandler) {
	switch payload.Type {
	case "READY":
		var ready struct {
			User User `json:"user"`
		}
		if err := json.Unmarshal(payload.Data, &ready); err != nil {
			g.log.Warn("Failed to parse READY", "error", err)
			return
		}
		g.mu.Lock()
		g.botUser = ready.User
		g.mu.Unlock()
		g.log.Info("Gateway ready", "bot_id", ready.User.ID, "bot_username", ready.User.Username)
	case "MESSAGE_CREATE":
		var msg Message
		if err := json.Unmarshal(payload.Data, &msg); err != nil {
			g.log.Warn("Failed to parse MESSAGE_CREATE", "error", err)
			return
		}
		go handler(ctx, &msg)
	}
}
