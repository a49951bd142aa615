/*
Mailsrv - Multi-protocol mail server (SMTP/IMAP/POP3) for a single administrative domain.
Copyright © 2026 Mailsrv contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dispatch implements the listener/dispatcher (C8): three
// independent accept loops (SMTP, IMAP, POP3) feeding one shared, bounded
// worker pool, with a process-wide running flag and a graceful,
// grace-period shutdown (spec §4.7).
package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ulg-ingi/mailsrv/internal/log"
	"github.com/ulg-ingi/mailsrv/internal/procconfig"
)

// Handler runs one accepted connection to completion. smtpd.Engine,
// imapd.Engine and pop3d.Engine all satisfy this via their Handle method.
type Handler interface {
	Handle(conn net.Conn)
}

// listenerSpec binds one protocol's port to the engine that serves it.
type listenerSpec struct {
	protocol string
	port     int
	handler  Handler
}

// Dispatcher owns the three listening sockets and the shared worker pool
// that bounds total concurrency across all of them.
type Dispatcher struct {
	Config *procconfig.Config
	SMTP   Handler
	IMAP   Handler
	POP3   Handler
	Log    log.Logger

	sem       *semaphore.Weighted
	listeners []net.Listener
	wg        sync.WaitGroup
	running   int32
}

// Run binds all three listeners and blocks accepting connections until ctx
// is cancelled, at which point it drains the worker pool and returns. It
// returns an error only if a listener failed to bind.
func (d *Dispatcher) Run(ctx context.Context) error {
	atomic.StoreInt32(&d.running, 1)
	d.sem = semaphore.NewWeighted(int64(d.Config.MaxWorkers))

	specs := []listenerSpec{
		{"smtp", procconfig.SMTPPort, d.SMTP},
		{"imap", procconfig.IMAPPort, d.IMAP},
		{"pop3", procconfig.POP3Port, d.POP3},
	}

	for _, spec := range specs {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", spec.port))
		if err != nil {
			d.closeListeners()
			return fmt.Errorf("dispatch: listen %s on :%d: %w", spec.protocol, spec.port, err)
		}
		d.Log.Printf("listening for %s on %s", spec.protocol, l.Addr())
		d.listeners = append(d.listeners, l)

		d.wg.Add(1)
		go d.acceptLoop(ctx, spec, l)
	}

	<-ctx.Done()
	d.Shutdown()
	return nil
}

// acceptLoop is one protocol's dedicated accept loop. Every accepted
// connection acquires one slot of the shared pool before its handler runs,
// so a saturated pool makes Accept itself the only backpressure point
// (spec §4.7: "queued connections block at accept time only when every
// worker is busy").
func (d *Dispatcher) acceptLoop(ctx context.Context, spec listenerSpec, l net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&d.running) == 0 {
				return
			}
			d.Log.Debugf("%s accept error: %v", spec.protocol, err)
			return
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.sem.Release(1)
			spec.handler.Handle(conn)
		}()
	}
}

// Shutdown clears the running flag, closes every listener (unblocking
// their Accept calls), and waits for in-flight handlers to finish, forcing
// the wait after Config.ShutdownGrace elapses (spec §4.7, §5).
func (d *Dispatcher) Shutdown() {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return
	}
	d.closeListeners()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	grace := d.Config.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-drained:
		d.Log.Printf("shutdown complete")
	case <-time.After(grace):
		d.Log.Printf("shutdown grace period elapsed, forcing exit with tasks still in flight")
	}
}

func (d *Dispatcher) closeListeners() {
	for _, l := range d.listeners {
		l.Close()
	}
}
