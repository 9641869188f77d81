//go:build unix

package process

import (
	"os"
	"os/signal"
	"syscall"
)

func signalNotify(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGUSR2, syscall.SIGCONT, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
}

func signalStop(ch chan<- os.Signal) {
	signal.Stop(ch)
}
