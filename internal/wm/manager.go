// Package wm is the window manager loop. It takes over substructure
// redirection on the root window and grants every map and configure request
// as asked, while keeping the telemetry sources of its ring refreshed.
package wm

import (
	"context"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/pkg/errors"

	"github.com/MarcusGrass/pgwm-sub001/internal/logging"
	"github.com/MarcusGrass/pgwm-sub001/uring"
	"github.com/MarcusGrass/pgwm-sub001/x11"
	"github.com/MarcusGrass/pgwm-sub001/xconn"
)

// ErrOtherWM is returned by Become when another client already redirects
// the root window.
var ErrOtherWM = errors.New("another window manager is running")

// ErrNoScreen is returned by New when the server reports no screens.
var ErrNoScreen = errors.New("server reports no screens")

var auxSources = [...]uring.Source{uring.CPU, uring.Mem, uring.Net, uring.Bat}

// Manager owns a display connection for the lifetime of the window manager.
type Manager struct {
	conn     *xconn.Conn
	root     xproto.Window
	logger   logging.Logger
	interval time.Duration

	lastAux time.Time
	aux     [uring.NumSources][]byte
	mapped  int
}

// New returns a Manager for the default screen of conn. Telemetry is read at
// most once per interval.
func New(conn *xconn.Conn, logger logging.Logger, interval time.Duration) (*Manager, error) {
	screen := conn.DefaultScreen()
	if screen == nil {
		return nil, ErrNoScreen
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		conn:     conn,
		root:     screen.Root,
		logger:   logger,
		interval: interval,
	}, nil
}

// Become selects substructure redirection on the root window.
func (m *Manager) Become() error {
	mask := uint32(xproto.EventMaskSubstructureRedirect | xproto.EventMaskSubstructureNotify)
	ck, err := m.conn.Send(x11.ChangeWindowAttributes(m.root, xproto.CwEventMask, []uint32{mask}), false)
	if err != nil {
		return err
	}

	err = m.conn.Check(ck)
	var xerr *xconn.XError
	if errors.As(err, &xerr) && xerr.Code == xproto.BadAccess {
		return ErrOtherWM
	}
	if err != nil {
		return errors.Wrap(err, "select root events")
	}
	m.logger.Info("window manager up and running", "root", m.root)
	return nil
}

// Run handles events until ctx is canceled or the connection fails.
func (m *Manager) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.conn.Interrupt)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.refresh(); err != nil {
			return err
		}

		src, err := m.conn.Wait()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		m.collect()
		if src != uring.SockIn {
			continue
		}

		for {
			ev, err := m.conn.PollEvent()
			var xerr *xconn.XError
			if errors.As(err, &xerr) {
				m.logger.Warn("request failed", "sequence", xerr.Sequence, "error", xerr)
				continue
			}
			if err != nil {
				return err
			}
			if ev == nil {
				break
			}
			if err := m.handle(ev); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) handle(ev xgb.Event) error {
	switch ev := ev.(type) {
	case xproto.MapRequestEvent:
		m.mapped++
		m.logger.Debug("map request", "window", ev.Window)
		_, err := m.conn.Send(x11.MapWindow(ev.Window), false)
		return err
	case xproto.ConfigureRequestEvent:
		m.logger.Debug("configure request", "window", ev.Window, "width", ev.Width, "height", ev.Height)
		_, err := m.conn.Send(x11.ConfigureWindow(ev.Window, ev.ValueMask, x11.ConfigureValues(ev)), false)
		return err
	default:
		m.logger.Debug("ignored event", "event", ev)
		return nil
	}
}

// refresh submits telemetry reads once the interval has passed.
func (m *Manager) refresh() error {
	if m.interval <= 0 || time.Since(m.lastAux) < m.interval {
		return nil
	}
	for _, src := range auxSources {
		if err := m.conn.RefreshAux(src); err != nil {
			return errors.Wrapf(err, "refresh %s", src)
		}
	}
	m.lastAux = time.Now()
	return nil
}

// collect takes every completed telemetry read.
func (m *Manager) collect() {
	for _, src := range auxSources {
		b, ok := m.conn.Aux(src)
		if !ok {
			continue
		}
		m.aux[src] = append(m.aux[src][:0], b...)
		m.logger.Debug("telemetry", "source", src, "bytes", len(b))
	}
}

// Telemetry returns the last bytes read from src.
func (m *Manager) Telemetry(src uring.Source) []byte {
	return m.aux[src]
}

// Mapped returns the number of map requests granted.
func (m *Manager) Mapped() int {
	return m.mapped
}
