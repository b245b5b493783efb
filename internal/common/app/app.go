package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received
func CreateContextWithShutdown() *seiscontext.Context {
	ctx, cancel := seiscontext.WithCancel(seiscontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			ctx.Log.Infof("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// OnHangup calls reload for every SIGHUP received until ctx is done.
func OnHangup(ctx *seiscontext.Context, reload func() error) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-c:
				ctx.Log.Info("received SIGHUP, reloading")
				if err := reload(); err != nil {
					ctx.Log.WithError(err).Error("reload failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
