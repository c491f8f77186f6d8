// Command streamwatch is a terminal client for the live update streams. It
// logs in, follows either the conversation list or one conversation's
// messages, and prints every frame as it arrives. Useful for eyeballing
// reconnect behavior: kill the server mid-run and watch the backoff.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"monkeyhouse/internal/realtime"
	"monkeyhouse/internal/stream"
)

func main() {
	host := flag.String("host", "localhost:8460", "API server host")
	email := flag.String("email", "admin@example.com", "User email")
	password := flag.String("password", "password123", "User password")
	conversation := flag.Uint("conversation", 0, "Conversation ID to follow (0 follows the conversation list)")
	flag.Parse()

	token, err := login(*host, *email, *password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	log.Printf("logged in as %s", *email)

	url := fmt.Sprintf("http://%s/api/realtime/conversations", *host)
	if *conversation > 0 {
		url = fmt.Sprintf("http://%s/api/realtime/conversations/%d/messages", *host, *conversation)
	}

	center := realtime.NewCenter(nil)
	unsubscribe := center.Subscribe(func(snap realtime.Snapshot) {
		log.Printf("unread total: %d across %d conversations", snap.Total, len(snap.PerConversation))
	})
	defer unsubscribe()

	var conn *realtime.Connection
	conn = realtime.NewConnection(&realtime.SSEDialer{URL: url, Token: token}, realtime.Options{
		Enabled: true,
		Token:   token,
		OnConnected: func() {
			log.Printf("connected to %s", url)
		},
		OnData: func(frameType string, payload []byte) {
			switch frameType {
			case stream.FrameConversations:
				var frame stream.ConversationsFrame
				if err := json.Unmarshal(payload, &frame); err != nil {
					log.Printf("bad conversations frame: %v", err)
					return
				}
				center.ApplyConversations(frame.Conversations)
				for _, conv := range frame.Conversations {
					line := "(no messages)"
					if conv.LastMessage != nil {
						line = fmt.Sprintf("%s: %s", conv.LastMessage.Sender.Name, conv.LastMessage.Content)
					}
					log.Printf("  [%d] %s  unread=%d  %s", conv.ID, conv.Name, conv.UnreadCount, line)
				}
			case stream.FrameMessages:
				var frame stream.MessagesFrame
				if err := json.Unmarshal(payload, &frame); err != nil {
					log.Printf("bad messages frame: %v", err)
					return
				}
				log.Printf("snapshot of %d messages", len(frame.Messages))
				for _, msg := range frame.Messages {
					log.Printf("  %s  %s: %s", msg.CreatedAt.Format(time.TimeOnly), msg.Sender.Name, msg.Content)
				}
			default:
				log.Printf("frame %s: %s", frameType, payload)
			}
		},
		OnError: func(err error) {
			log.Printf("stream error: %v (state=%s, attempts=%d)", err, conn.State(), conn.Attempts())
		},
	})
	conn.Connect()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	conn.Disconnect()
	log.Printf("disconnected (final state: %s)", conn.State())
}

func login(host, email, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := http.Post(fmt.Sprintf("http://%s/api/auth/login", host), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}
	var decoded struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	return decoded.Token, nil
}
