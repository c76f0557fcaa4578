// Command mloop-echo is a small TCP echo server built on top of mloop: one
// Context multiplexes the listening socket, every accepted connection, a
// periodic heartbeat timer, SIGINT, and a manually triggered event, all on a
// single epoll instance. It exists to exercise the library end to end, not
// to be a production echo server.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/mloop"
)

func main() {
	var (
		addr         string
		maxEvents    int
		heartbeatMs  int
		triggerDelay int
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:9595", "listen address for the echo server")
	flag.IntVar(&maxEvents, "max-events", 64, "ready-set capacity passed to mloop.Init")
	flag.IntVar(&heartbeatMs, "heartbeat-ms", 5000, "heartbeat timer period in milliseconds")
	flag.IntVar(&triggerDelay, "trigger-delay-ms", 2000, "delay before the demo event watcher fires once")
	flag.Parse()

	logger := log.New(os.Stderr, "mloop-echo: ", log.LstdFlags)

	lfd, err := listenRaw(addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen failed:", err)
		os.Exit(1)
	}
	defer unix.Close(lfd)

	ctx, err := mloop.Init(maxEvents)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mloop init failed:", err)
		os.Exit(1)
	}
	defer ctx.Exit()

	srv := &server{ctx: ctx, log: logger, conns: make(map[int]*mloop.Watcher)}

	listenW := &mloop.Watcher{}
	if err := mloop.IOInit(ctx, listenW, srv.onAccept, lfd, lfd, mloop.Read); err != nil {
		fmt.Fprintln(os.Stderr, "io_init(listener) failed:", err)
		os.Exit(1)
	}

	heartbeat := &mloop.Watcher{}
	if err := mloop.TimerInit(ctx, heartbeat, srv.onHeartbeat, nil, int64(heartbeatMs), int64(heartbeatMs)); err != nil {
		fmt.Fprintln(os.Stderr, "timer_init(heartbeat) failed:", err)
		os.Exit(1)
	}

	sigint := &mloop.Watcher{}
	if err := mloop.SignalInit(ctx, sigint, srv.onSigint, nil, int(unix.SIGINT)); err != nil {
		fmt.Fprintln(os.Stderr, "signal_init(SIGINT) failed:", err)
		os.Exit(1)
	}

	// Demonstrates posting from outside the loop's own goroutine: a
	// background goroutine posts once after triggerDelay via the atomic
	// eventfd write, instead of the loop itself doing it.
	trigger := &mloop.Watcher{}
	if err := mloop.EventInit(ctx, trigger, srv.onTrigger, nil); err != nil {
		fmt.Fprintln(os.Stderr, "event_init(trigger) failed:", err)
		os.Exit(1)
	}
	go func() {
		time.Sleep(time.Duration(triggerDelay) * time.Millisecond)
		_ = mloop.EventPost(trigger)
	}()

	logger.Printf("listening on %s (max-events=%d)", addr, maxEvents)
	if err := mloop.Run(ctx, 0); err != nil {
		fmt.Fprintln(os.Stderr, "run failed:", err)
		os.Exit(1)
	}
	logger.Printf("stopped cleanly, dispatched=%d waits=%d", ctx.Stats().Dispatches, ctx.Stats().Waits)
}

// listenRaw opens a non-blocking, close-on-exec TCP listening socket via raw
// syscalls instead of net.Listen, so its fd can be handed straight to an I/O
// watcher without the net package's own internal poller getting in the way.
func listenRaw(addr string) (int, error) {
	sa, err := resolveSockaddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa, nil
}

type server struct {
	ctx   *mloop.Context
	log   *log.Logger
	conns map[int]*mloop.Watcher
}

// onAccept drains every pending connection on the listening socket and gives
// each one its own I/O watcher that echoes back whatever it reads.
func (s *server) onAccept(_ *mloop.Watcher, arg interface{}, _ mloop.Events) {
	lfd := arg.(int)
	for {
		cfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return // EAGAIN or a transient accept error: wait for the next readiness cycle
		}
		cw := &mloop.Watcher{}
		if err := mloop.IOInit(s.ctx, cw, s.onConn, cfd, cfd, mloop.Read); err != nil {
			s.log.Printf("io_init(conn fd=%d) failed: %v", cfd, err)
			unix.Close(cfd)
			continue
		}
		s.conns[cfd] = cw
		s.log.Printf("accepted fd=%d", cfd)
	}
}

// onConn echoes back whatever is read and tears the connection down on EOF,
// HUP, or error.
func (s *server) onConn(_ *mloop.Watcher, arg interface{}, events mloop.Events) {
	fd := arg.(int)
	if events&(mloop.Hup|mloop.Error) != 0 {
		s.closeConn(fd)
		return
	}
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	if err != nil || n == 0 {
		s.closeConn(fd)
		return
	}
	_, _ = unix.Write(fd, buf[:n])
}

func (s *server) closeConn(fd int) {
	if w, ok := s.conns[fd]; ok {
		_ = mloop.IOStop(w)
		delete(s.conns, fd)
	}
	_ = unix.Close(fd)
	s.log.Printf("closed fd=%d", fd)
}

func (s *server) onHeartbeat(_ *mloop.Watcher, _ interface{}, _ mloop.Events) {
	s.log.Printf("heartbeat: %d active connections", len(s.conns))
}

func (s *server) onSigint(_ *mloop.Watcher, _ interface{}, _ mloop.Events) {
	s.log.Printf("SIGINT received, shutting down")
	s.ctx.StopRunning()
}

func (s *server) onTrigger(_ *mloop.Watcher, _ interface{}, _ mloop.Events) {
	s.log.Printf("demo trigger fired")
}
