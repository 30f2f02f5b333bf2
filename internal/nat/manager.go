// Package nat tracks UDP flows extracted from the packet pipeline. Each
// datagram source gets one outbound transport and one reader goroutine that
// pumps replies back onto the pipeline's downlink channel; idle flows are
// reaped in the background.
package nat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tungate/internal/core"
	"tungate/internal/dispatch"
	"tungate/internal/session"
)

const (
	sweepInterval  = 30 * time.Second
	flowTimeout    = 2 * time.Minute
	dnsFlowTimeout = 10 * time.Second
	dnsPort        = 53
)

// bufPool reuses read buffers across flow reader goroutines.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 65535)
		return &b
	},
}

// flow is a single source's outbound association.
type flow struct {
	lastActive int64 // atomic; Unix seconds
	timeout    int64 // seconds; fixed at creation from the first destination
	transport  dispatch.UDPTransport
	downlink   chan<- session.UDPPacket
	source     session.DatagramSource
	cancel     context.CancelFunc
}

// Manager owns the UDP flow table. Send is the single uplink entry point:
// the first packet of a source dials through the dispatcher, later packets
// reuse the transport.
type Manager struct {
	dispatcher dispatch.Dispatcher

	mu    sync.RWMutex
	flows map[session.DatagramSource]*flow

	// Cached Unix timestamp, updated every 250ms. Keeps time.Now() off the
	// per-datagram path.
	nowSec atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager creates a flow manager dialing through d.
func NewManager(d dispatch.Dispatcher) *Manager {
	return &Manager{
		dispatcher: d,
		flows:      make(map[session.DatagramSource]*flow),
	}
}

// Start launches the timestamp updater and the idle sweeper.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.nowSec.Store(time.Now().Unix())
	m.wg.Add(2)
	go m.timestampUpdater(ctx)
	go m.sweepLoop(ctx)
}

// Stop closes every flow and waits for the reader goroutines.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, f := range m.flows {
		f.transport.Close()
		f.cancel()
	}
	m.flows = make(map[session.DatagramSource]*flow)
	m.mu.Unlock()
	m.wg.Wait()
	core.Log.Infof("NAT", "Stopped")
}

// Send forwards one uplink packet, creating the flow on first sight.
// Failures drop the packet and are logged here; the pipeline moves on.
func (m *Manager) Send(ctx context.Context, src session.DatagramSource, inboundTag string, downlink chan<- session.UDPPacket, pkt session.UDPPacket) {
	m.mu.RLock()
	f, ok := m.flows[src]
	m.mu.RUnlock()

	if ok {
		atomic.StoreInt64(&f.lastActive, m.nowSec.Load())
		if err := f.transport.WriteTo(pkt.Data, pkt.Dst); err != nil {
			core.Log.Errorf("NAT", "Write for %s failed: %v", src, err)
		}
		return
	}

	sess := &session.Session{
		Network:     session.UDP,
		Source:      src.Address,
		Destination: pkt.Dst,
		InboundTag:  inboundTag,
	}
	transport, err := m.dispatcher.DialUDP(ctx, sess)
	if err != nil {
		core.Log.Errorf("NAT", "Dial for %s failed: %v", sess, err)
		return
	}

	timeout := int64(flowTimeout / time.Second)
	if pkt.Dst.Port() == dnsPort {
		timeout = int64(dnsFlowTimeout / time.Second)
	}

	flowCtx, cancel := context.WithCancel(ctx)
	f = &flow{
		lastActive: m.nowSec.Load(),
		timeout:    timeout,
		transport:  transport,
		downlink:   downlink,
		source:     src,
		cancel:     cancel,
	}

	m.mu.Lock()
	if existing, raced := m.flows[src]; raced {
		m.mu.Unlock()
		cancel()
		transport.Close()
		atomic.StoreInt64(&existing.lastActive, m.nowSec.Load())
		if err := existing.transport.WriteTo(pkt.Data, pkt.Dst); err != nil {
			core.Log.Errorf("NAT", "Write for %s failed: %v", src, err)
		}
		return
	}
	m.flows[src] = f
	m.mu.Unlock()

	core.Log.Debugf("NAT", "Flow %s -> %s opened", src, pkt.Dst)

	if err := transport.WriteTo(pkt.Data, pkt.Dst); err != nil {
		core.Log.Errorf("NAT", "Write for %s failed: %v", src, err)
		m.removeFlow(src)
		return
	}

	m.wg.Add(1)
	go m.readLoop(flowCtx, f)
}

// FlowCount returns the live flow count.
func (m *Manager) FlowCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flows)
}

// readLoop pumps replies into the pipeline's downlink channel until the
// transport closes or the flow is cancelled.
func (m *Manager) readLoop(ctx context.Context, f *flow) {
	defer m.wg.Done()
	defer m.removeFlow(f.source)

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	to := session.AddrFromIP(f.source.Address)
	for {
		n, from, err := f.transport.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				core.Log.Debugf("NAT", "Flow %s read ended: %v", f.source, err)
			}
			return
		}
		atomic.StoreInt64(&f.lastActive, m.nowSec.Load())

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case f.downlink <- session.UDPPacket{Data: data, Src: from, Dst: to}:
		case <-ctx.Done():
			return
		}
	}
}

// removeFlow closes and deletes a flow. Safe to call twice.
func (m *Manager) removeFlow(src session.DatagramSource) {
	m.mu.Lock()
	if f, ok := m.flows[src]; ok {
		f.transport.Close()
		f.cancel()
		delete(m.flows, src)
	}
	m.mu.Unlock()
}

func (m *Manager) timestampUpdater(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.nowSec.Store(time.Now().Unix())
		}
	}
}

// sweepLoop reaps idle flows on a fixed cadence. The scan runs under a read
// lock and collects; removal re-locks per flow.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.nowSec.Load()
			var stale []session.DatagramSource
			m.mu.RLock()
			for src, f := range m.flows {
				if now-atomic.LoadInt64(&f.lastActive) > f.timeout {
					stale = append(stale, src)
				}
			}
			m.mu.RUnlock()
			for _, src := range stale {
				core.Log.Debugf("NAT", "Flow %s timed out", src)
				m.removeFlow(src)
			}
		}
	}
}
