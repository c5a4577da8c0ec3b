// Package capture records X11 sessions. A Proxy listens on a unix socket,
// forwards every connection to the real X server and writes the messages of
// the recorded connection as token-framed frames.
package capture

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/wire"
	"github.com/MarcusGrass/pgwm-sub001/x11"
)

// Proxy is a recording X11 proxy.
type Proxy struct {
	listener *net.UnixListener
	upstream string
	logger   logging.Logger
	opts     options

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{}
	out         *wire.Writer
	recordErr   error

	recording  atomic.Bool
	clientMsgs atomic.Int64
	serverMsgs atomic.Int64
	conns      atomic.Int64
}

// New returns a Proxy listening on the unix socket at listen that forwards
// connections to the X server socket at upstream and records into w.
func New(listen, upstream string, w io.Writer, opt ...Option) (*Proxy, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: listen, Net: "unix"})
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	return &Proxy{
		listener:    ln,
		upstream:    upstream,
		logger:      opts.logger,
		opts:        opts,
		shutdownNow: make(chan struct{}),
		out:         wire.NewWriter(w),
	}, nil
}

// Serve accepts connections until the context is canceled or Close is called.
func (p *Proxy) Serve(ctx context.Context) error {
	p.logger.Info("capture proxy started", "addr", p.listener.Addr(), "upstream", p.upstream)

	go func() {
		<-ctx.Done()

		if p.opts.shutdownTimeout > 0 {
			select {
			case <-time.After(p.opts.shutdownTimeout):
			case <-p.shutdownNow:
			}
		}

		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()
		_ = p.listener.SetDeadline(time.Now())
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := p.listener.AcceptUnix()
		if err != nil {
			p.mu.Lock()
			isShutdown := p.shutdown
			p.mu.Unlock()

			if isShutdown {
				p.logger.Info("capture proxy stopped", "addr", p.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			p.logger.Error("accept error", "error", err)
			return err
		}

		id := p.conns.Add(1)
		record := p.opts.recordAll || p.recording.CompareAndSwap(false, true)
		p.logger.Debug("accepted connection", "id", id, "record", record)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.handle(ctx, conn, record); err != nil {
				p.logger.Info("connection closed with error", "id", id, "error", err)
			} else {
				p.logger.Info("connection closed", "id", id)
			}
		}()
	}
}

// handle forwards conn to the upstream server until either side closes.
func (p *Proxy) handle(ctx context.Context, conn *net.UnixConn, record bool) error {
	defer conn.Close()

	var d net.Dialer
	up, err := d.DialContext(ctx, "unix", p.upstream)
	if err != nil {
		return errors.Wrap(err, "dial upstream")
	}
	defer up.Close()

	group, child := errgroup.WithContext(ctx)
	stop := context.AfterFunc(child, func() {
		conn.Close()
		up.Close()
	})
	defer stop()

	group.Go(func() error {
		return p.pump(up, conn, x11.NewSplitter(true), record, &p.clientMsgs)
	})
	group.Go(func() error {
		return p.pump(conn, up, x11.NewSplitter(false), record, &p.serverMsgs)
	})

	err = group.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// pump copies src to dst, recording every complete message. It returns
// io.EOF when src is exhausted, which ends the other direction too.
func (p *Proxy) pump(dst io.Writer, src io.Reader, split *x11.Splitter, record bool, count *atomic.Int64) error {
	buf := make([]byte, p.opts.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "forward")
			}
			if record {
				msgs, serr := split.Feed(buf[:n])
				if serr != nil {
					p.logger.Warn("stream not understood, recording stopped", "error", serr)
					record = false
				}
				if err := p.record(msgs, count); err != nil {
					p.logger.Error("recording stopped", "error", err)
					record = false
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return errors.Wrap(err, "read")
		}
	}
}

func (p *Proxy) record(msgs []wire.Message, count *atomic.Int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recordErr != nil {
		return p.recordErr
	}
	for _, m := range msgs {
		if err := wire.Validate(m.Payload); err != nil {
			p.recordErr = errors.Wrapf(err, "%s", m)
			return p.recordErr
		}
		if err := p.out.WriteMessage(m.Metadata, m.Payload); err != nil {
			p.recordErr = err
			return err
		}
		count.Add(1)
	}
	return nil
}

// ClientCount returns the number of client messages recorded so far. Read at
// a milestone, it is the checkpoint to replay with.
func (p *Proxy) ClientCount() int64 {
	return p.clientMsgs.Load()
}

// ServerCount returns the number of server messages recorded so far.
func (p *Proxy) ServerCount() int64 {
	return p.serverMsgs.Load()
}

// Frames returns the number of frames written to the session.
func (p *Proxy) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Count()
}

// Close stops the proxy. If a shutdown timeout is configured, Close bypasses
// the remaining timeout.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	select {
	case p.shutdownNow <- struct{}{}:
	default:
	}

	return p.listener.Close()
}

// Addr returns the listener's address.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}
