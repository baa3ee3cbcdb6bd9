package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/tcp"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// dialCmd implements subcommands.Command for "dial": opens one outbound
// connection, sends a message, prints whatever comes back, and exits —
// a manual counterpart to "serve" for exercising the stack's client side
// (including DialDomain's DNS path) without a second avrnetd instance.
type dialCmd struct {
	remote  string
	port    int
	message string
	timeout time.Duration
}

func (*dialCmd) Name() string     { return "dial" }
func (*dialCmd) Synopsis() string { return "open one outbound TCP connection and exchange a message" }
func (*dialCmd) Usage() string {
	return "dial -remote=<ip-or-domain> -port=<n> [-message=text]\n"
}

func (d *dialCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.remote, "remote", "", "remote IPv4 address or domain name to connect to")
	f.IntVar(&d.port, "port", 7, "remote TCP port")
	f.StringVar(&d.message, "message", "hello\n", "message to send once connected")
	f.DurationVar(&d.timeout, "timeout", 10*time.Second, "how long to wait for the exchange to complete")
}

func (d *dialCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(Config)
	log := args[1].(*logrus.Logger)

	if d.remote == "" {
		fmt.Println(d.Usage())
		return subcommands.ExitUsageError
	}

	stack, closeable, err := buildStack(conf, log)
	if err != nil {
		log.WithError(err).Error("avrnetd: building stack")
		return subcommands.ExitFailure
	}
	if closeable != nil {
		defer closeable.Close()
	}

	dc := &dialHandler{log: log, message: d.message, done: make(chan struct{})}
	socket, err := dialSocket(stack, d.remote, host.Port(d.port), dc)
	if err != nil {
		log.WithError(err).Error("avrnetd: dial")
		return subcommands.ExitFailure
	}
	dc.socket = socket

	deadline := time.Now().Add(d.timeout)
	for time.Now().Before(deadline) {
		if err := stack.demux.Poll(); err != nil {
			log.WithError(err).Error("avrnetd: poll")
			return subcommands.ExitFailure
		}
		select {
		case <-dc.done:
			return subcommands.ExitSuccess
		default:
		}
		if socket.State() == tcp.StateUnknownHost {
			log.Error("avrnetd: could not resolve remote host")
			return subcommands.ExitFailure
		}
		time.Sleep(time.Millisecond)
	}

	log.Error("avrnetd: dial timed out")
	return subcommands.ExitFailure
}

// dialSocket picks Dial or DialDomain depending on whether remote parses
// as a dotted-quad address.
func dialSocket(stack *netStack, remote string, port host.Port, handler tcp.Handler) (*tcp.Socket, error) {
	if ip, err := parseIPv4(remote); err == nil {
		return tcp.Dial(stack.tcp, ip, port, handler)
	}
	return tcp.DialDomain(stack.tcp, stack.dns, remote, port, handler)
}

type dialHandler struct {
	tcp.BaseHandler
	log     *logrus.Logger
	message string
	socket  *tcp.Socket
	sent    bool
	done    chan struct{}
}

func (h *dialHandler) OnEstablished() {
	h.log.Debug("avrnetd: connection established")
}

func (h *dialHandler) OnReadyToSend() {
	if h.sent {
		return
	}
	h.sent = true
	send := buffer.NewMem(len(h.message))
	_ = send.WriteAt(0, []byte(h.message))
	if err := h.socket.Send(send, len(h.message)); err != nil {
		h.log.WithError(err).Error("avrnetd: send")
	}
}

func (h *dialHandler) OnDataReceived(payload buffer.Buffer, length int) bool {
	data := make([]byte, length)
	if err := payload.ReadAt(0, data); err != nil {
		h.log.WithError(err).Error("avrnetd: reading reply")
		return false
	}
	fmt.Print(string(data))
	_ = h.socket.Close()
	return true
}

func (h *dialHandler) OnClosed() {
	close(h.done)
}

func (h *dialHandler) OnReset(byRemote bool) {
	h.log.WithField("byRemote", byRemote).Error("avrnetd: connection reset")
	close(h.done)
}
