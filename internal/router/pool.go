package router

import (
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// channelPool holds one long-lived *grpc.ClientConn per host:port, created
// lazily on first use and closed on router shutdown or explicit eviction
// (§4.5 "Channel pool").
type channelPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func newChannelPool() *channelPool {
	return &channelPool{conns: make(map[string]*grpc.ClientConn)}
}

// get returns the pooled connection for addr, dialing it if this is the
// first request for that host:port.
func (p *channelPool) get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// evict closes and forgets the pooled connection for addr, if any.
func (p *channelPool) evict(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		conn.Close()
		delete(p.conns, addr)
	}
}

// closeAll closes every pooled connection, used on router shutdown.
func (p *channelPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		conn.Close()
		delete(p.conns, addr)
	}
}
