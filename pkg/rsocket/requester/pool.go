package requester

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket"
	"github.com/AutoMQ/rsmux/pkg/rsocket/mux"
)

const _dialTimeout = 10 * time.Second

// Pool keeps one Client per server address, dialing on first use.
// A Client whose connection has closed is dropped and redialed on the next call.
// It is safe for concurrent use by multiple goroutines.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*Client
	dialing map[string]*dialCall // currently in-flight dials
	closed  bool

	lg *zap.Logger
}

// NewPool creates a pool whose clients use cfg.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		clients: make(map[string]*Client),
		dialing: make(map[string]*dialCall),
		lg:      logger,
	}
}

// Get returns a Client connected to addr, dialing one if necessary.
func (p *Pool) Get(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, mux.ErrAlreadyClosed
	}
	if c, ok := p.clients[addr]; ok {
		select {
		case <-c.Done():
			delete(p.clients, addr)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	call := p.getStartDialLocked(addr)
	p.mu.Unlock()

	select {
	case <-call.done:
		return call.res, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestResponse sends p to the server at addr and waits for the response.
func (p *Pool) RequestResponse(ctx context.Context, addr string, payload rsocket.Payload) (rsocket.Payload, error) {
	c, err := p.Get(ctx, addr)
	if err != nil {
		return rsocket.Payload{}, err
	}
	return c.RequestResponse(ctx, payload)
}

// FireAndForget sends p to the server at addr without waiting for a response.
func (p *Pool) FireAndForget(ctx context.Context, addr string, payload rsocket.Payload) error {
	c, err := p.Get(ctx, addr)
	if err != nil {
		return err
	}
	return c.FireAndForget(ctx, payload)
}

// Len returns the number of live clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every client in the pool. Later calls to Get fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	var err error
	for _, c := range clients {
		if e := c.Close(); e != nil {
			err = multierr.Append(err, e)
		}
	}
	return err
}

func (p *Pool) getStartDialLocked(addr string) *dialCall {
	if call, ok := p.dialing[addr]; ok {
		// A dial is already in-flight. Don't start another.
		return call
	}
	call := &dialCall{p: p, done: make(chan struct{})}
	p.dialing[addr] = call
	go call.dial(addr)
	return call
}

// forget drops c once its connection has closed.
func (p *Pool) forget(addr string, c *Client) {
	<-c.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients[addr] == c {
		delete(p.clients, addr)
	}
	p.lg.Info("client removed from pool", zap.String("address", addr))
}

// dialCall is an in-flight dial to an address.
type dialCall struct {
	_    incomparable
	p    *Pool
	done chan struct{} // closed when done
	res  *Client       // valid after done is closed
	err  error         // valid after done is closed
}

// run in its own goroutine. The dial outlives the callers waiting on it.
func (c *dialCall) dial(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), _dialTimeout)
	defer cancel()
	c.res, c.err = Dial(ctx, addr, c.p.cfg, c.p.lg)

	c.p.mu.Lock()
	delete(c.p.dialing, addr)
	closed := c.p.closed
	if c.err == nil && !closed {
		c.p.clients[addr] = c.res
		go c.p.forget(addr, c.res)
	}
	c.p.mu.Unlock()

	if c.err == nil && closed {
		_ = c.res.Close()
		c.res, c.err = nil, mux.ErrAlreadyClosed
	}
	close(c.done)
}

// incomparable is a zero-width, non-comparable type. Adding it to a struct
// makes that struct also non-comparable, and generally doesn't add
// any size (as long as it's first).
type incomparable [0]func()
