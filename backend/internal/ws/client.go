package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotConnected  = errors.New("NOT_CONNECTED")
	ErrSendQueueFull = errors.New("SEND_QUEUE_FULL")
	ErrClientClosed  = errors.New("CLIENT_CLOSED")
)

// Handler 收到下行消息时的回调，在读循环 goroutine 上执行，不能阻塞太久
type Handler func(msg ServerMessage)

type ClientConfig struct {
	URL          string
	Token        string
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// 断线重连的指数退避
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// 超过这个时长仍连不上就放弃，0 表示一直重试
	ReconnectGiveUp time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = 30 * time.Second
	}
}

// Client 到协作服务端的上行连接。同一用户的编辑区域共享一条连接（见 Pool），
// 各个编辑区域按 section_id 订阅自己的下行消息。
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *log.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	closed   bool
	handlers map[string]map[uint64]Handler
	nextID   uint64

	// 跨连接共享的发送队列，断线期间残留的消息由下一条连接发出
	send  chan ClientMessage
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(cfg ClientConfig, logger *log.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
		send:     make(chan ClientMessage, cfg.SendQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect 建立第一条连接，失败时按退避重试直到 ctx 结束
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return backoff.Retry(func() error { return c.dial(ctx) }, backoff.WithContext(c.newBackOff(), ctx))
}

func (c *Client) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.ReconnectBase
	eb.MaxInterval = c.cfg.ReconnectMax
	eb.MaxElapsedTime = c.cfg.ReconnectGiveUp
	eb.Reset()
	return eb
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.logger.Printf("dial collab server error (url=%s): %v", c.cfg.URL, err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.serve(conn)
	return nil
}

// serve 一条连接的生命周期：写循环 + 读循环，读循环退出即视为断线
func (c *Client) serve(conn *websocket.Conn) {
	defer c.wg.Done()
	done := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		c.writeLoop(conn, done)
	}()

	c.readLoop(conn)
	close(done)
	writer.Wait()
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnect()
	}()
}

// reconnect 多处同时发现断线时只跑一次拨号
func (c *Client) reconnect() {
	_, err, _ := c.group.Do("reconnect", func() (any, error) {
		if c.Connected() {
			return nil, nil
		}
		err := backoff.Retry(func() error { return c.dial(c.ctx) }, backoff.WithContext(c.newBackOff(), c.ctx))
		if err != nil {
			return nil, err
		}
		c.logger.Printf("reconnected to collab server (url=%s)", c.cfg.URL)
		c.dispatch(ServerMessage{Type: TypeReconnected})
		return nil, nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Printf("reconnect gave up (url=%s): %v", c.cfg.URL, err)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	if c.cfg.PingInterval > 0 {
		wait := 2 * c.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !c.isClosed() {
				c.logger.Printf("read json error (url=%s): %v", c.cfg.URL, err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				c.logger.Printf("write json error (type=%s, section=%s): %v", msg.Type, msg.SectionID, err)
				// 让读循环退出，触发重连
				_ = conn.Close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// Send 非阻塞入队。断线期间直接返回 ErrNotConnected，由调用方的超时重传兜底
func (c *Client) Send(ctx context.Context, msg ClientMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSendQueueFull
	}
}

// Subscribe 注册 sectionID 的下行消息回调；sectionID 为空时接收所有消息。
// 返回的函数用于取消订阅
func (c *Client) Subscribe(sectionID string, fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[sectionID] == nil {
		c.handlers[sectionID] = make(map[uint64]Handler)
	}
	c.handlers[sectionID][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if hs, ok := c.handlers[sectionID]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(c.handlers, sectionID)
			}
		}
	}
}

// dispatch 不带 section_id 的消息（比如本地合成的 reconnected）广播给所有订阅者
func (c *Client) dispatch(msg ServerMessage) {
	c.mu.RLock()
	var targets []Handler
	if msg.SectionID == "" {
		for _, hs := range c.handlers {
			for _, fn := range hs {
				targets = append(targets, fn)
			}
		}
	} else {
		for _, fn := range c.handlers[msg.SectionID] {
			targets = append(targets, fn)
		}
		for _, fn := range c.handlers[""] {
			targets = append(targets, fn)
		}
	}
	c.mu.RUnlock()
	for _, fn := range targets {
		fn(msg)
	}
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close 关闭连接并停止重连，等待所有 goroutine 退出
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
