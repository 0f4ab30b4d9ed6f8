package ws

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool 按用户复用上行连接，服务端按连接上的 token 识别作者
type Pool struct {
	cfg    ClientConfig
	logger *log.Logger

	mu      sync.Mutex
	clients map[uint64]*Client
	closed  bool
	group   singleflight.Group
}

func NewPool(cfg ClientConfig, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{cfg: cfg, logger: logger, clients: make(map[uint64]*Client)}
}

// Get 同一用户并发挂载只拨号一次
func (p *Pool) Get(ctx context.Context, userID uint64, token string) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c, ok := p.clients[userID]; ok && !c.isClosed() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(strconv.FormatUint(userID, 10), func() (interface{}, error) {
		cfg := p.cfg
		cfg.Token = token
		c := NewClient(cfg, p.logger)
		if err := c.Connect(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = c.Close()
			return nil, ErrClientClosed
		}
		p.clients[userID] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	clients := p.clients
	p.clients = map[uint64]*Client{}
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
