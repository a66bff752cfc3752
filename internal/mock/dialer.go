package mock

import (
	"context"
	"sync"

	"github.com/whatsapp-addon/bridge/internal/session"
)

// Script runs against every connection the Dialer opens, in its own
// goroutine. It should return when ctx is done or the Conn closes.
type Script func(ctx context.Context, c *Conn)

// Dialer hands out Conns and remembers them per session id.
type Dialer struct {
	Script Script

	mu      sync.Mutex
	conns   map[string][]*Conn
	failErr error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDialer() *Dialer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dialer{
		conns:  make(map[string][]*Conn),
		ctx:    ctx,
		cancel: cancel,
	}
}

// FailDials makes every later Dial return err. A nil err clears it.
func (d *Dialer) FailDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
}

func (d *Dialer) Dial(ctx context.Context, id, storageDir string) (session.Conn, error) {
	d.mu.Lock()
	if d.failErr != nil {
		err := d.failErr
		d.mu.Unlock()
		return nil, err
	}
	c := NewConn(id, storageDir)
	d.conns[id] = append(d.conns[id], c)
	script := d.Script
	d.mu.Unlock()

	if script != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			script(d.ctx, c)
		}()
	}
	return c, nil
}

// Conns returns every connection dialed for id, oldest first.
func (d *Dialer) Conns(id string) []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns[id]))
	copy(out, d.conns[id])
	return out
}

// Latest returns the most recent connection dialed for id, or nil.
func (d *Dialer) Latest(id string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[id]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// Stop cancels running scripts and waits for them.
func (d *Dialer) Stop() {
	d.cancel()
	d.wg.Wait()
}
