//go:build linux && (amd64 || arm64)

// Package uprobe implements the production probe driver on Linux
// uprobes. Each attachment loads one or two small BPF programs that
// capture registers and a best-effort user stack, then stream
// fixed-layout records through a perf event array. A single pump
// goroutine decodes records and dispatches them to the owning hook by
// attach cookie.
//
// The driver observes only: argument and return value assignments
// made by handlers are not written back to the target.
package uprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"

	tracetap "github.com/frobware/go-tracetap"
	"github.com/frobware/go-tracetap/probe"
	"github.com/frobware/go-tracetap/resolve"
)

// perCPUBufferPages sizes each CPU's perf ring. Sixteen pages absorbs
// bursts from hot functions without measurable memory cost.
const perCPUBufferPages = 16

// Driver attaches uprobes and uretprobes and pumps their firings to
// probe callbacks. Create with New, release with Close.
type Driver struct {
	log    *slog.Logger
	events *ebpf.Map
	reader *perf.Reader

	mu       sync.Mutex
	byCookie map[uint64]*attachment
	closed   bool

	cookies atomic.Uint64
	lost    atomic.Uint64
	done    chan struct{}
}

var _ probe.Driver = (*Driver)(nil)

type attachment struct {
	cb    probe.Callbacks
	links []link.Link
	progs []*ebpf.Program
}

func (a *attachment) teardown() error {
	var first error
	for _, l := range a.links {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, p := range a.progs {
		p.Close()
	}
	a.links = nil
	a.progs = nil
	return first
}

// New creates the shared perf event array and starts the pump
// goroutine. Requires CAP_BPF and CAP_PERFMON or root.
func New(logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("raising memlock limit: %w", err)
	}

	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name: "tracetap_events",
		Type: ebpf.PerfEventArray,
	})
	if err != nil {
		return nil, fmt.Errorf("creating perf event array: %w", err)
	}

	reader, err := perf.NewReader(events, perCPUBufferPages*os.Getpagesize())
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("opening perf reader: %w", err)
	}

	d := &Driver{
		log:      logger,
		events:   events,
		reader:   reader,
		byCookie: make(map[uint64]*attachment),
		done:     make(chan struct{}),
	}
	go d.pump()
	return d, nil
}

// Attach instruments one resolved address. Call-style attachments pair
// a uprobe with a uretprobe under a single handle; instruction-style
// attachments install a lone uprobe at the instruction address.
func (d *Driver) Attach(_ context.Context, spec probe.AttachSpec, cb probe.Callbacks) (probe.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("uprobe driver is closed")
	}
	if spec.Module.Path == "" {
		return nil, tracetap.ErrAddressNotMapped{Address: spec.Address}
	}

	// Uprobes address the backing file, not the live mapping, so the
	// runtime address translates back to a file virtual address.
	imageBase, err := resolve.ImageBase(spec.Module.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", spec.Module.Path, err)
	}
	fileAddr := spec.Address - spec.Module.Base + imageBase

	ex, err := link.OpenExecutable(spec.Module.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", spec.Module.Path, err)
	}

	cookie := d.cookies.Add(1)
	at := &attachment{cb: cb}

	install := func(c capture, retprobe bool) error {
		prog, err := buildProgram(d.events, c)
		if err != nil {
			return fmt.Errorf("loading %s: %w", progName(c.kind), err)
		}
		opts := &link.UprobeOptions{
			PID:     spec.PID,
			Address: fileAddr,
			Cookie:  cookie,
		}
		// The symbol names the tracefs token on legacy kernels;
		// resolution always goes through Address.
		symbol := fmt.Sprintf("tt_%x", fileAddr)

		var lnk link.Link
		if retprobe {
			lnk, err = ex.Uretprobe(symbol, prog, opts)
		} else {
			lnk, err = ex.Uprobe(symbol, prog, opts)
		}
		if err != nil {
			prog.Close()
			return fmt.Errorf("attach at %s+%#x: %w", spec.Module.Name, fileAddr, err)
		}
		at.links = append(at.links, lnk)
		at.progs = append(at.progs, prog)
		return nil
	}

	switch spec.Kind {
	case probe.KindInstruction:
		err = install(captureHit, false)
	default:
		err = install(captureEnter, false)
		if err == nil {
			err = install(captureLeave, true)
		}
	}
	if err != nil {
		at.teardown()
		return nil, err
	}

	d.byCookie[cookie] = at
	d.log.Debug("uprobe attached",
		"path", spec.Module.Path,
		"file_addr", fmt.Sprintf("%#x", fileAddr),
		"pid", spec.PID,
		"kind", string(spec.Kind),
		"cookie", cookie)

	return probe.NewHandle(func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.byCookie, cookie)
		return at.teardown()
	}), nil
}

// Lost reports how many perf samples the kernel dropped because a
// ring filled before the pump drained it.
func (d *Driver) Lost() uint64 { return d.lost.Load() }

// Close detaches every live probe, stops the pump, and releases the
// perf resources. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for cookie, at := range d.byCookie {
		if err := at.teardown(); err != nil {
			d.log.Warn("detach during close failed", "cookie", cookie, "error", err)
		}
		delete(d.byCookie, cookie)
	}
	d.mu.Unlock()

	err := d.reader.Close()
	<-d.done
	if cerr := d.events.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *Driver) pump() {
	defer close(d.done)
	for {
		rec, err := d.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			d.log.Warn("perf read failed", "error", err)
			continue
		}
		if rec.LostSamples > 0 {
			d.lost.Add(rec.LostSamples)
			d.log.Debug("perf samples lost", "count", rec.LostSamples)
			continue
		}
		d.dispatch(rec.RawSample)
	}
}

func (d *Driver) dispatch(raw []byte) {
	rec, ok := parseRecord(raw)
	if !ok {
		d.log.Warn("runt perf record", "bytes", len(raw))
		return
	}

	// Callbacks run outside the driver lock; they take the engine's.
	d.mu.Lock()
	at := d.byCookie[rec.cookie]
	d.mu.Unlock()
	if at == nil {
		// Trailing record from a probe detached after the sample
		// was written.
		return
	}

	f := &probe.Firing{
		ThreadID:  rec.tid,
		Caller:    rec.caller,
		Backtrace: rec.stack,
		Args:      rec.args[:],
		Ret:       rec.ret,
	}
	switch rec.kind {
	case recordEnter:
		if at.cb.OnEnter != nil {
			at.cb.OnEnter(f)
		}
	case recordLeave:
		if at.cb.OnLeave != nil {
			at.cb.OnLeave(f)
		}
	case recordHit:
		if at.cb.OnHit != nil {
			at.cb.OnHit(f)
		}
	default:
		d.log.Warn("perf record with unknown kind", "kind", rec.kind)
	}
}
