// Package main provides a CI-friendly end-to-end smoke test for Courier realtime.
//
// It validates:
//   - authenticated handshake + subprotocol selection
//   - hello/hello_ack identity echo
//   - send_message -> message_sent_confirmation for the sender
//   - new_message + inbox_update for the online recipient
//   - message_error for an invalid send
//   - the recipient's inbox over HTTP
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"courier/cmd/identity/ids"
	v1 "courier/shared/contracts/realtime/v1"
)

const (
	defaultSubprotocol = "courier.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn

	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:5000/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("COURIER_JWT_SECRET"), "HS256 secret used to mint test tokens")
		claim   = flag.String("claim", "id", "JWT claim carrying the user id")
		text    = flag.String("text", "hello courier 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*secret) == "" {
		fatalf("missing -secret (or COURIER_JWT_SECRET)")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *secret, *claim, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *secret, *claim, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s (%s) B=%s (%s) origin=%q\n", a.userID, a.sessionID, b.userID, b.sessionID, *origin)
	}

	sent := mustSendAndConfirm(root, a, b.userID, *text, *timeout)

	mustAssertDelivered(root, b, sent, *timeout)

	mustSendAndReject(root, a, a.userID, "to myself", "cannot send a message to yourself", *timeout)

	mustInboxContains(root, *wsURL, b, sent, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation_id=%s message_id=%s\n", a.userID, b.userID, sent.ConversationID, sent.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mintToken(secret, claim, userID string) string {
	now := time.Now().UTC()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		claim: userID,
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		fatalf("sign token: %v", err)
	}
	return tok
}

func mustConnect(parent context.Context, name, wsURL, origin, secret, claim string, stepTimeout time.Duration) *smokeClient {
	userID, err := ids.NewULID(time.Now())
	if err != nil {
		fatalf("user id (%s): %v", name, err)
	}
	token := mintToken(secret, claim, userID)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		token:  token,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing sessionId (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack userId mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func writeSend(parent context.Context, c *smokeClient, recipientID, content string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			RecipientID: recipientID,
			Content:     content,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustSendAndConfirm(parent context.Context, c *smokeClient, recipientID, text string, stepTimeout time.Duration) v1.MessagePayload {
	writeSend(parent, c, recipientID, text, stepTimeout)

	conf := c.mustReadUntilType(parent, v1.TypeMessageSentConfirmation, stepTimeout)

	var p v1.MessagePayload
	if err := json.Unmarshal(conf.Payload, &p); err != nil {
		fatalf("unmarshal confirmation payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.ConversationID) == "" {
		fatalf("confirmation missing ids (%s): %+v", c.name, p)
	}
	if p.Sender != c.userID || p.Recipient != recipientID {
		fatalf("confirmation participants mismatch (%s): %+v", c.name, p)
	}
	if p.Content != text {
		fatalf("confirmation content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("confirmation createdAt missing (%s)", c.name)
	}
	return p
}

func mustAssertDelivered(parent context.Context, c *smokeClient, want v1.MessagePayload, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new_message payload (%s): %v", c.name, err)
	}
	if p.ID != want.ID || p.ConversationID != want.ConversationID || p.Content != want.Content {
		fatalf("new_message mismatch (%s): got=%+v want=%+v", c.name, p, want)
	}

	env = c.mustReadUntilType(parent, v1.TypeInboxUpdate, stepTimeout)

	var u v1.InboxUpdatePayload
	if err := json.Unmarshal(env.Payload, &u); err != nil {
		fatalf("unmarshal inbox_update payload (%s): %v", c.name, err)
	}
	if u.ConversationID != want.ConversationID || u.LastMessage.ID != want.ID {
		fatalf("inbox_update mismatch (%s): %+v", c.name, u)
	}
}

func mustSendAndReject(parent context.Context, c *smokeClient, recipientID, text, wantErr string, stepTimeout time.Duration) {
	writeSend(parent, c, recipientID, text, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeMessageError, stepTimeout)

	var p v1.MessageErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_error payload (%s): %v", c.name, err)
	}
	if p.Error != wantErr {
		fatalf("message_error mismatch (%s): got=%q want=%q", c.name, p.Error, wantErr)
	}
	if p.Content != text || p.RecipientID != recipientID {
		fatalf("message_error must echo the request (%s): %+v", c.name, p)
	}
}

func mustInboxContains(parent context.Context, wsURL string, c *smokeClient, want v1.MessagePayload, stepTimeout time.Duration) {
	u, _ := url.Parse(wsURL)
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/api/chat/inbox"

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		fatalf("inbox request (%s): %v", c.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("inbox request (%s): %v", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK {
		fatalf("inbox status (%s): %d %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Success bool `json:"success"`
		Inbox   []struct {
			ConversationID string `json:"conversationId"`
			LastMessage    *struct {
				Content string `json:"content"`
			} `json:"lastMessage"`
		} `json:"inbox"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		fatalf("decode inbox (%s): %v", c.name, err)
	}
	for _, e := range out.Inbox {
		if e.ConversationID == want.ConversationID && e.LastMessage != nil && e.LastMessage.Content == want.Content {
			return
		}
	}
	fatalf("inbox missing conversation %s (%s)", want.ConversationID, c.name)
}

// mustReadUntilType skips presence snapshots and fails on anything else unexpected.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			switch env.Type {
			case v1.TypeOnlineUsers:
				continue
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
