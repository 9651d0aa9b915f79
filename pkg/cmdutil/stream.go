package cmdutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	initialScannerBufferSize = 4096
	maxScannerBufferSize     = 10 * 1024 * 1024
)

// Source identifies which output stream a line came from.
type Source string

const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// LineHandler receives one trimmed, non-empty line of command output.
// Calls are serialized; the handler never runs concurrently with itself.
type LineHandler func(line string, source Source)

// Stream runs a command with stdin closed and hands every non-empty output
// line to onLine as it arrives. Ordering within one stream is preserved;
// interleaving between stdout and stderr is best-effort.
//
// Stream returns once the child exits plus at most OutputDrainDelay, even
// when processes it started in the background still hold its output open.
//
// A command that cannot be started yields a *StartError and a nil result.
// A command that exits non-zero returns both a result carrying the exit
// code and an error.
func Stream(ctx context.Context, opts ExecOptions, cmdParts []string, onLine LineHandler) (*Result, error) {
	cmd, err := command(ctx, opts, cmdParts)
	if err != nil {
		return nil, err
	}
	if onLine == nil {
		onLine = func(string, Source) {}
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	closeWriters := func() {
		stdoutW.Close()
		stderrW.Close()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeWriters()
		return nil, &StartError{Command: FormatCommand(cmdParts), Err: err}
	}

	var mu sync.Mutex
	emit := func(line string, source Source) {
		mu.Lock()
		defer mu.Unlock()
		onLine(line, source)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutR, Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrR, Stderr, emit)
	}()

	// Wait returns once everything the child wrote has been copied into
	// the pipes, or OutputDrainDelay after it exited.
	waitErr := wait(cmd)
	closeWriters()
	wg.Wait()

	result := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		return result, fmt.Errorf("command failed: %w", waitErr)
	}

	return result, nil
}

func scanLines(r io.Reader, source Source, emit LineHandler) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScannerBufferSize), maxScannerBufferSize)

	for scanner.Scan() {
		// Progress bars separate updates with bare carriage returns.
		text := strings.ReplaceAll(scanner.Text(), "\r", "\n")
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				emit(line, source)
			}
		}
	}

	if scanner.Err() != nil {
		emit(fmt.Sprintf("[output truncated: %v]", scanner.Err()), source)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}
