package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// Solc shells out to the solc binary, feeding source on stdin and reading the
// combined-json artifact map from stdout.
type Solc struct {
	command string
	timeout time.Duration
}

func NewSolc(command string, timeout time.Duration) *Solc {
	if strings.TrimSpace(command) == "" {
		command = "solc"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Solc{command: command, timeout: timeout}
}

func (s *Solc) Compile(ctx context.Context, source string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.command, "--combined-json", "abi,bin", "-")
	cmd.Stdin = strings.NewReader(source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("compiler: %s timed out: %w", s.command, ctx.Err())
		}
		if diagnostics := strings.TrimSpace(stderr.String()); diagnostics != "" {
			return nil, &Error{Diagnostics: diagnostics}
		}
		return nil, fmt.Errorf("compiler: run %s: %w", s.command, err)
	}

	artifacts := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(artifacts) {
		return nil, fmt.Errorf("compiler: %s produced invalid artifact JSON", s.command)
	}
	return artifacts, nil
}

var _ Compiler = (*Solc)(nil)
