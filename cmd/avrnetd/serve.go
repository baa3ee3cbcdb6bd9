package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/tcp"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// serveCmd implements subcommands.Command for "serve": builds the full
// stack from Config and runs its cooperative Demux.Poll loop until
// interrupted, with one echo socket listening on Config.Listen.Port so
// the demo is reachable without a second binary. The socket serves a
// single connection and is not re-armed once that connection closes.
type serveCmd struct {
	pollInterval time.Duration
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the stack against the configured link device" }
func (*serveCmd) Usage() string {
	return "serve [-poll-interval=1ms]\n"
}

func (s *serveCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.pollInterval, "poll-interval", time.Millisecond, "how often to call Demux.Poll when the device has nothing pending")
}

func (s *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(Config)
	log := args[1].(*logrus.Logger)

	stack, closeable, err := buildStack(conf, log)
	if err != nil {
		log.WithError(err).Error("avrnetd: building stack")
		return subcommands.ExitFailure
	}
	if closeable != nil {
		defer closeable.Close()
	}

	echo := &echoHandler{log: log}
	listener, err := tcp.NewListener(stack.tcp, host.Port(conf.Listen.Port), echo)
	if err != nil {
		log.WithError(err).Error("avrnetd: starting echo listener")
		return subcommands.ExitFailure
	}
	echo.socket = listener
	defer listener.ForceClose()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := stack.demux.Poll(); err != nil {
					return fmt.Errorf("avrnetd: poll: %w", err)
				}
			}
		}
	})

	log.WithFields(logrus.Fields{
		"device": conf.Device.Name,
		"ip":     conf.Network.LocalIP,
		"port":   conf.Listen.Port,
	}).Info("avrnetd: serving")

	if err := group.Wait(); err != nil {
		log.WithError(err).Error("avrnetd: serve loop exited")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// echoHandler implements tcp.Handler by writing back whatever it
// receives, the simplest possible thing to point a test client at. It
// embeds tcp.BaseHandler so only the hooks the echo behavior actually
// needs are overridden.
type echoHandler struct {
	tcp.BaseHandler
	log    *logrus.Logger
	socket *tcp.Socket
}

func (h *echoHandler) OnEstablished() {
	h.log.Debug("avrnetd: echo connection established")
}

func (h *echoHandler) OnDataReceived(payload buffer.Buffer, length int) bool {
	if err := h.socket.Send(payload, length); err != nil {
		h.log.WithError(err).Debug("avrnetd: echo reply deferred, will retry once current segment acks")
		return false
	}
	return true
}

func (h *echoHandler) OnRemoteClosed() {
	_ = h.socket.Close()
}
