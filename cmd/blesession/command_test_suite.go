//go:build test

package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/testutils"
)

// Test peripheral addresses for consistent mock identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite extends MockBLEPeripheralSuite with command testing utilities.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

// DefaultAdvertisements are a connectable sensor and a lamp.
func (s *CommandTestSuite) DefaultAdvertisements() []ble.Advertisement {
	return []ble.Advertisement{
		testutils.CreateMockAdvertisement("Sensor", TestDeviceAddress1, -50).Build(),
		testutils.CreateMockAdvertisement("Lamp", TestDeviceAddress2, -70).Build(),
	}
}

// NewRootCommand returns a fresh root carrying the global flags, with sub attached.
func (s *CommandTestSuite) NewRootCommand(sub *cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "blesession", SilenceErrors: true}
	addGlobalFlags(root)
	root.AddCommand(sub)
	return root
}

// ExecuteCommand runs cmd with args and returns what it wrote to stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// RunningCommand is a command executing in the background.
type RunningCommand struct {
	suite  *CommandTestSuite
	stdout *syncBuffer
	stderr *syncBuffer
	done   chan error
}

// StartCommand runs cmd with args in the background.
func (s *CommandTestSuite) StartCommand(cmd *cobra.Command, args ...string) *RunningCommand {
	rc := &RunningCommand{
		suite:  s,
		stdout: &syncBuffer{},
		stderr: &syncBuffer{},
		done:   make(chan error, 1),
	}
	cmd.SetOut(rc.stdout)
	cmd.SetErr(rc.stderr)
	cmd.SetArgs(args)
	go func() {
		rc.done <- cmd.ExecuteContext(context.Background())
	}()
	return rc
}

// WaitOutput blocks until stdout contains substr.
func (rc *RunningCommand) WaitOutput(substr string) {
	rc.suite.Eventually(func() bool {
		return strings.Contains(rc.stdout.String(), substr)
	}, rc.suite.TestTimeout, 5*time.Millisecond, "stdout MUST contain %q", substr)
}

// Wait blocks until the command returns.
func (rc *RunningCommand) Wait() (string, string, error) {
	select {
	case err := <-rc.done:
		return rc.stdout.String(), rc.stderr.String(), err
	case <-time.After(rc.suite.TestTimeout):
		rc.suite.FailNow("command did not finish in time", "stdout so far:\n%s", rc.stdout.String())
		return "", "", nil
	}
}
