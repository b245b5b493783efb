package stp

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// Launcher builds the command running the peer for one target group. It must not start the command.
type Launcher func(executable string, outputDir string, group string) *exec.Cmd

// DefaultLauncher runs "<executable> -d <outputDir> <group>".
func DefaultLauncher(executable string, outputDir string, group string) *exec.Cmd {
	return exec.Command(executable, "-d", outputDir, group)
}

// peerProcess is one running peer. A single goroutine moves the merged stdout/stderr of the peer into lines,
// closes lines at EOF, reaps the process and then closes exited.
type peerProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan string
	exited  chan struct{}
	exitErr error // only valid once exited is closed

	abandon     chan struct{}
	abandonOnce sync.Once
}

func startPeer(cmd *exec.Cmd) (*peerProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	outReader, outWriter, err := os.Pipe()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cmd.Stdout = outWriter
	cmd.Stderr = outWriter
	if err := cmd.Start(); err != nil {
		_ = outReader.Close()
		_ = outWriter.Close()
		return nil, errors.Wrapf(err, "starting %s", cmd.Path)
	}
	// The child holds its own copy now; without closing ours we would never see EOF.
	_ = outWriter.Close()

	p := &peerProcess{
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan string, 256),
		exited:  make(chan struct{}),
		abandon: make(chan struct{}),
	}
	go p.pump(outReader)
	return p, nil
}

func (p *peerProcess) pump(out *os.File) {
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.abandon:
		}
	}
	close(p.lines)
	p.exitErr = p.cmd.Wait()
	_ = out.Close()
	close(p.exited)
}

func (p *peerProcess) send(command string) error {
	_, err := io.WriteString(p.stdin, command+"\n")
	return err
}

// abandonOutput makes the pump discard further output so the process can always be reaped.
func (p *peerProcess) abandonOutput() {
	p.abandonOnce.Do(func() { close(p.abandon) })
}

// kill terminates the peer and waits until it has been reaped.
func (p *peerProcess) kill() {
	p.abandonOutput()
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

func (p *peerProcess) signal(sig os.Signal) error {
	select {
	case <-p.exited:
		return errors.New("peer process has already exited")
	default:
	}
	return errors.WithStack(p.cmd.Process.Signal(sig))
}

func (p *peerProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// interruptSignals terminate the peer without anything being wrong with it; the current request simply yields
// no result.
var interruptSignals = map[syscall.Signal]bool{
	syscall.SIGHUP:  true,
	syscall.SIGINT:  true,
	syscall.SIGQUIT: true,
	syscall.SIGILL:  true,
	syscall.SIGTRAP: true,
	syscall.SIGABRT: true,
	syscall.SIGKILL: true,
	syscall.SIGALRM: true,
	syscall.SIGTERM: true,
}

// classifyExit maps the result of Wait onto the error taxonomy. interrupted is true, with a nil error, when the
// peer was stopped by one of interruptSignals.
func classifyExit(waitErr error) (interrupted bool, exitCode int, err error) {
	if waitErr == nil {
		return false, 0, &ErrDisconnected{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return false, -1, errors.Wrap(&ErrDisconnected{ExitCode: -1}, waitErr.Error())
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return false, exitErr.ExitCode(), &ErrDisconnected{ExitCode: exitErr.ExitCode()}
	}
	sig := status.Signal()
	code := -int(sig)
	switch {
	case interruptSignals[sig]:
		return true, code, nil
	case sig == syscall.SIGSEGV:
		return false, code, &ErrFatalPeer{ExitCode: code, Message: "Segfault in peer"}
	case sig == syscall.SIGFPE:
		return false, code, &ErrFatalPeer{ExitCode: code, MissingConfiguration: true, Message: "Peer config-file not found"}
	default:
		return false, code, &ErrDisconnected{ExitCode: code}
	}
}
