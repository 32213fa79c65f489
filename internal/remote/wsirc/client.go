// Package wsirc implements remote.Client for IRC networks reachable over
// WebSocket (the text.ircv3.net subprotocol).
package wsirc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/remote"
)

// Subprotocol is the WebSocket subprotocol carrying one IRC line per text message.
const Subprotocol = "text.ircv3.net"

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
	maxNickTries = 5
)

var errClosed = errors.New("connection closed")

// joinErrorCodes maps join failure numerics to error codes.
var joinErrorCodes = map[string]string{
	"471": core.CodeChannelFull,
	"473": core.CodeInviteOnly,
	"474": core.CodeBannedFromChannel,
	"475": core.CodeBadKey,
	"477": core.CodeNeedsRegisteredNick,
	"405": core.CodeThrottled,
	"263": core.CodeThrottled,
}

// Dialer creates WebSocket IRC clients.
type Dialer struct {
	Logger *zerolog.Logger
}

var _ remote.Dialer = (*Dialer)(nil)

// NewClient implements remote.Dialer.
func (d *Dialer) NewClient(cfg remote.ClientConfig, events remote.Events) remote.Client {
	logger := zerolog.Nop()
	if d != nil && d.Logger != nil {
		logger = *d.Logger
	}
	return &Client{
		cfg:    cfg,
		events: events,
		log: logger.With().
			Str("module", "wsirc").
			Str("network", cfg.Network).
			Str("desired_nick", cfg.Nick).
			Logger(),
		registered: make(chan struct{}),
		done:       make(chan struct{}),
		joins:      make(map[string][]chan error),
		names:      make(map[string][]string),
	}
}

// Client is one IRC connection.
type Client struct {
	cfg    remote.ClientConfig
	events remote.Events
	log    zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	nick       string
	nickTries  int
	closing    bool
	quitReason string
	joins      map[string][]chan error
	names      map[string][]string

	registeredOnce sync.Once
	registered     chan struct{}
	doneOnce       sync.Once
	done           chan struct{}
}

// Connect dials the network and registers; it returns once the network
// welcomed the client.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		c.finish("dial failed: " + err.Error())
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closing")
		return errClosed
	}
	c.conn = conn
	c.nick = c.cfg.Nick
	c.mu.Unlock()

	go c.readLoop(conn)

	if c.cfg.Password != "" {
		if err := c.send(ctx, "PASS", c.cfg.Password); err != nil {
			return c.abort(err)
		}
	}
	if err := c.send(ctx, "NICK", c.cfg.Nick); err != nil {
		return c.abort(err)
	}
	username := c.cfg.Username
	if username == "" {
		username = c.cfg.Nick
	}
	realname := c.cfg.Realname
	if realname == "" {
		realname = username
	}
	if err := c.send(ctx, "USER", username, "0", "*", realname); err != nil {
		return c.abort(err)
	}

	select {
	case <-c.registered:
		return nil
	case <-c.done:
		return fmt.Errorf("registration: %w", errClosed)
	case <-ctx.Done():
		return c.abort(ctx.Err())
	}
}

func (c *Client) abort(err error) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "registration failed")
	}
	return err
}

// Disconnect sends QUIT and closes the connection.
func (c *Client) Disconnect(reason string) error {
	c.mu.Lock()
	c.closing = true
	if c.quitReason == "" {
		c.quitReason = reason
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.finish(reason)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.send(ctx, "QUIT", reason); err != nil {
		c.log.Debug().Err(err).Msg("send quit failed")
	}
	return conn.Close(websocket.StatusNormalClosure, reason)
}

// Join sends JOIN and waits for the network to confirm or refuse it.
func (c *Client) Join(ctx context.Context, channel string) error {
	result := make(chan error, 1)
	key := strings.ToLower(channel)

	c.mu.Lock()
	c.joins[key] = append(c.joins[key], result)
	c.mu.Unlock()

	if err := c.send(ctx, "JOIN", channel); err != nil {
		c.dropJoin(key, result)
		return err
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		return core.ErrNotConnected
	case <-ctx.Done():
		c.dropJoin(key, result)
		return ctx.Err()
	}
}

// Leave sends PART.
func (c *Client) Leave(ctx context.Context, channel string) error {
	return c.send(ctx, "PART", channel)
}

// Nick returns the nick the network assigned.
func (c *Client) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *Client) dropJoin(key string, result chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.joins[key]
	for i, w := range waiters {
		if w == result {
			c.joins[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.joins[key]) == 0 {
		delete(c.joins, key)
	}
}

func (c *Client) resolveJoin(channel string, err error) {
	key := strings.ToLower(channel)
	c.mu.Lock()
	waiters := c.joins[key]
	delete(c.joins, key)
	c.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (c *Client) send(ctx context.Context, command string, params ...string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return core.ErrNotConnected
	}

	msg := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := msg.Line()
	if err != nil {
		return fmt.Errorf("encode %s: %w", command, err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(strings.TrimRight(line, "\r\n"))); err != nil {
		return fmt.Errorf("write %s: %w", command, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			reason := "connection closed"
			if status := websocket.CloseStatus(err); status == -1 {
				reason = err.Error()
			}
			c.finish(reason)
			return
		}

		msg, err := ircmsg.ParseLine(strings.TrimRight(string(data), "\r\n"))
		if err != nil {
			c.log.Debug().Err(err).Msg("skipping malformed line")
			continue
		}
		c.handle(msg)
	}
}

// finish runs once per client, whatever ended it.
func (c *Client) finish(reason string) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if c.quitReason != "" {
			reason = c.quitReason
		}
		pending := c.joins
		c.joins = make(map[string][]chan error)
		c.mu.Unlock()

		close(c.done)
		for _, waiters := range pending {
			for _, w := range waiters {
				w <- core.ErrNotConnected
			}
		}
		c.log.Debug().Str("reason", reason).Msg("irc connection ended")
		c.events.OnDisconnected(reason)
	})
}

func sourceNick(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

func (c *Client) isMe(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.EqualFold(sourceNick(source), c.nick)
}

func param(msg ircmsg.Message, i int) string {
	if i < len(msg.Params) {
		return msg.Params[i]
	}
	return ""
}

func (c *Client) handle(msg ircmsg.Message) {
	switch msg.Command {
	case "PING":
		go func() {
			if err := c.send(context.Background(), "PONG", msg.Params...); err != nil {
				c.log.Debug().Err(err).Msg("send pong failed")
			}
		}()

	case "001":
		nick := param(msg, 0)
		c.mu.Lock()
		c.nick = nick
		c.mu.Unlock()
		c.registeredOnce.Do(func() {
			close(c.registered)
			c.events.OnConnected(nick)
		})

	case "432", "433":
		select {
		case <-c.registered:
			return
		default:
		}
		c.mu.Lock()
		c.nickTries++
		tries := c.nickTries
		next := nextNick(c.cfg.Nick, tries)
		c.nick = next
		c.mu.Unlock()
		if tries > maxNickTries {
			c.log.Warn().Msg("no acceptable nick, giving up")
			go c.Disconnect("nick unavailable")
			return
		}
		go func() {
			if err := c.send(context.Background(), "NICK", next); err != nil {
				c.log.Debug().Err(err).Msg("send nick failed")
			}
		}()

	case "NICK":
		if !c.isMe(msg.Source) {
			return
		}
		newNick := param(msg, 0)
		c.mu.Lock()
		oldNick := c.nick
		c.nick = newNick
		c.mu.Unlock()
		c.events.OnNickChanged(oldNick, newNick)

	case "JOIN":
		if !c.isMe(msg.Source) {
			return
		}
		channel := param(msg, 0)
		c.resolveJoin(channel, nil)
		// ask for the mode set so secrecy is known without waiting for a change
		go func() {
			if err := c.send(context.Background(), "MODE", channel); err != nil {
				c.log.Debug().Err(err).Str("channel", channel).Msg("mode query failed")
			}
		}()

	case "353":
		// <me> <symbol> <channel> :<names>
		channel := strings.ToLower(param(msg, 2))
		var names []string
		for _, name := range strings.Fields(param(msg, 3)) {
			if name = strings.TrimLeft(name, "~&@%+"); name != "" {
				names = append(names, name)
			}
		}
		c.mu.Lock()
		c.names[channel] = append(c.names[channel], names...)
		c.mu.Unlock()

	case "366":
		channel := param(msg, 1)
		key := strings.ToLower(channel)
		c.mu.Lock()
		members := c.names[key]
		delete(c.names, key)
		c.mu.Unlock()
		c.events.OnRoster(channel, members)

	case "471", "473", "474", "475", "477", "405", "263":
		channel := param(msg, 1)
		code := joinErrorCodes[msg.Command]
		c.events.OnJoinError(channel, code)
		c.resolveJoin(channel, core.NewError(code, fmt.Sprintf("join %s: %s", channel, param(msg, 2))))

	case "MODE":
		target := param(msg, 0)
		if !isChannel(target) {
			return
		}
		flags := make(map[rune]bool)
		enabled := true
		for _, r := range param(msg, 1) {
			switch r {
			case '+':
				enabled = true
			case '-':
				enabled = false
			default:
				flags[r] = enabled
			}
		}
		if len(flags) > 0 {
			c.events.OnChannelModes(target, remote.ModeSet{Flags: flags})
		}

	case "324":
		// <me> <channel> <modes> [params]: the full mode set
		channel := param(msg, 1)
		flags := make(map[rune]bool)
		for _, r := range strings.TrimPrefix(param(msg, 2), "+") {
			flags[r] = true
		}
		c.events.OnChannelModes(channel, remote.ModeSet{Flags: flags, Complete: true})

	case "ERROR":
		c.finish("server error: " + param(msg, 0))
	}
}

// nextNick derives the alternate for the given attempt from the configured
// nick, cutting the base rather than the suffix to stay within the limit.
func nextNick(base string, attempt int) string {
	suffix := strings.Repeat("_", attempt)
	if attempt > 3 {
		suffix = "_" + strconv.Itoa(attempt)
	}
	if len(base)+len(suffix) > core.MaxNickLength {
		base = base[:core.MaxNickLength-len(suffix)]
	}
	return base + suffix
}

func isChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}
