// Package fake provides in-memory adapter doubles for exercising the
// orchestrator without the external tools.
package fake

import (
	"context"
	"sync"

	"github.com/shini4i/knockgate/internal/adapter"
	"github.com/shini4i/knockgate/internal/connection"
)

// Recorder keeps the order of adapter calls across all doubles.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *Recorder) record(call string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

// Calls returns the recorded calls, e.g. "spa.send" or "vpn.stop".
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Hook runs inside a call before it returns. It may block on ctx.
type Hook func(ctx context.Context) error

// Spa is a programmable SpaAdapter.
type Spa struct {
	rec *Recorder

	mu   sync.Mutex
	err  error
	hook Hook
	sent int
	last *connection.Config
}

// SetError makes Send fail with err.
func (s *Spa) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetHook runs fn inside Send.
func (s *Spa) SetHook(fn Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Sent returns how many times Send was called.
func (s *Spa) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Last returns the config passed to the most recent Send.
func (s *Spa) Last() *connection.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Send implements adapter.SpaAdapter.
func (s *Spa) Send(ctx context.Context, cfg *connection.Config) error {
	s.rec.record("spa.send")
	s.mu.Lock()
	s.sent++
	s.last = cfg
	hook, err := s.hook, s.err
	s.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return herr
		}
	}
	return err
}

// process holds the shared running/exit behavior of Tunnel and Vpn.
type process struct {
	mu       sync.Mutex
	running  bool
	startErr error
	stopErr  error
	hook     Hook
	starts   int
	stops    int
	onExit   func(err error)
}

func (p *process) start(ctx context.Context) error {
	p.mu.Lock()
	p.starts++
	hook, err := p.hook, p.startErr
	p.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *process) stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.running = false
	return p.stopErr
}

func (p *process) status() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// drop marks the process as exited and notifies the OnExit callback.
func (p *process) drop(err error) {
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	fn := p.onExit
	p.mu.Unlock()
	if wasRunning && fn != nil {
		fn(err)
	}
}

// SetStartError makes Start fail with err.
func (p *process) SetStartError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// SetStopError makes Stop return err.
func (p *process) SetStopError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopErr = err
}

// SetHook runs fn inside Start.
func (p *process) SetHook(fn Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = fn
}

// Starts returns how many times Start was called.
func (p *process) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

// Stops returns how many times Stop was called.
func (p *process) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// OnExit implements adapter.ExitNotifier.
func (p *process) OnExit(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

// Tunnel is a programmable TunnelAdapter.
type Tunnel struct {
	process
	rec *Recorder

	mu        sync.Mutex
	verifyErr error
	verified  []string
}

// SetVerifyError makes Verify fail with err.
func (t *Tunnel) SetVerifyError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verifyErr = err
}

// Verified returns the addresses passed to Verify.
func (t *Tunnel) Verified() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.verified...)
}

// Start implements adapter.TunnelAdapter.
func (t *Tunnel) Start(ctx context.Context, _ connection.Tunnel) error {
	t.rec.record("tunnel.start")
	return t.start(ctx)
}

// Verify implements adapter.TunnelAdapter.
func (t *Tunnel) Verify(_ context.Context, localAddr string) error {
	t.rec.record("tunnel.verify")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verified = append(t.verified, localAddr)
	if !t.status() {
		return adapter.ErrNotRunning
	}
	return t.verifyErr
}

// Stop implements adapter.TunnelAdapter.
func (t *Tunnel) Stop(context.Context) error {
	t.rec.record("tunnel.stop")
	return t.stop()
}

// Status implements adapter.TunnelAdapter.
func (t *Tunnel) Status() bool {
	return t.status()
}

// Drop simulates the tunnel process exiting on its own.
func (t *Tunnel) Drop(err error) {
	t.drop(err)
}

// Vpn is a programmable VpnAdapter.
type Vpn struct {
	process
	rec *Recorder

	mu   sync.Mutex
	last *connection.Config
}

// Last returns the config passed to the most recent Start.
func (v *Vpn) Last() *connection.Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Start implements adapter.VpnAdapter.
func (v *Vpn) Start(ctx context.Context, cfg *connection.Config) error {
	v.rec.record("vpn.start")
	v.mu.Lock()
	v.last = cfg
	v.mu.Unlock()
	return v.start(ctx)
}

// Stop implements adapter.VpnAdapter.
func (v *Vpn) Stop(context.Context) error {
	v.rec.record("vpn.stop")
	return v.stop()
}

// Status implements adapter.VpnAdapter.
func (v *Vpn) Status() bool {
	return v.status()
}

// Drop simulates the VPN process exiting on its own.
func (v *Vpn) Drop(err error) {
	v.drop(err)
}

// Adapters bundles one set of doubles sharing a Recorder.
type Adapters struct {
	Recorder *Recorder
	Spa      *Spa
	Tunnel   *Tunnel
	Vpn      *Vpn
}

// New returns doubles that succeed by default.
func New() *Adapters {
	rec := &Recorder{}
	return &Adapters{
		Recorder: rec,
		Spa:      &Spa{rec: rec},
		Tunnel:   &Tunnel{rec: rec},
		Vpn:      &Vpn{rec: rec},
	}
}

// Set returns the doubles as an adapter.Set.
func (a *Adapters) Set() adapter.Set {
	return adapter.Set{Spa: a.Spa, Tunnel: a.Tunnel, Vpn: a.Vpn}
}

var (
	_ adapter.SpaAdapter    = (*Spa)(nil)
	_ adapter.TunnelAdapter = (*Tunnel)(nil)
	_ adapter.VpnAdapter    = (*Vpn)(nil)
	_ adapter.ExitNotifier  = (*Tunnel)(nil)
	_ adapter.ExitNotifier  = (*Vpn)(nil)
)
