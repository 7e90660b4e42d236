// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// CapturedOutput holds the pipes replacing os.Stdout and os.Stderr.
type CapturedOutput struct {
	t                 testing.TB
	stdout, stderr    *os.File
	stdoutW, stderrW  *os.File
	stdoutBuf, errBuf bytes.Buffer
	wg                sync.WaitGroup
	oldStdout, oldErr *os.File
}

// CaptureOutput replaces os.Stdout and os.Stderr until Done is called.
func CaptureOutput(t testing.TB) *CapturedOutput {
	co := &CapturedOutput{t: t, oldStdout: os.Stdout, oldErr: os.Stderr}

	var err error
	co.stdout, co.stdoutW, err = os.Pipe()
	require.NoError(t, err)
	co.stderr, co.stderrW, err = os.Pipe()
	require.NoError(t, err)

	os.Stdout = co.stdoutW
	os.Stderr = co.stderrW

	co.wg.Add(2)
	go func() {
		defer co.wg.Done()
		_, _ = io.Copy(&co.stdoutBuf, co.stdout)
	}()
	go func() {
		defer co.wg.Done()
		_, _ = io.Copy(&co.errBuf, co.stderr)
	}()
	return co
}

// Done restores os.Stdout and os.Stderr and returns what was written to them.
func (co *CapturedOutput) Done() (stdout, stderr string) {
	os.Stdout = co.oldStdout
	os.Stderr = co.oldErr

	require.NoError(co.t, co.stdoutW.Close())
	require.NoError(co.t, co.stderrW.Close())
	co.wg.Wait()
	_ = co.stdout.Close()
	_ = co.stderr.Close()

	return co.stdoutBuf.String(), co.errBuf.String()
}
