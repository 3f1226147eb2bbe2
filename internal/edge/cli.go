package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/sendonce/sendonce/internal/domain"
)

// maxRetries counts retries after the initial attempt.
const maxRetries = 3

// CLIProvider shells out to an operator-supplied binary for every edge
// operation. The contract:
//
//	<cmd> publish --id <tunnel_id> <staging_dir>   -> {"hostname":..,"public_url":..}
//	<cmd> unpublish --id <tunnel_id>
//	<cmd> list --json                              -> [{"tunnel_id":..,"hostname":..}]
//
// Transient failures are retried with exponential backoff (1s, 2s, 4s). Each
// invocation is bounded by its own timeout.
type CLIProvider struct {
	cmd     string
	timeout time.Duration
	log     *slog.Logger

	initialInterval time.Duration
}

// NewCLIProvider returns a provider invoking cmd with the given per-call
// timeout.
func NewCLIProvider(cmd string, timeout time.Duration, logger *slog.Logger) *CLIProvider {
	return &CLIProvider{
		cmd:             cmd,
		timeout:         timeout,
		log:             logger,
		initialInterval: time.Second,
	}
}

// Publish implements Provider.
func (p *CLIProvider) Publish(ctx context.Context, tunnelID, stagingDir string) (Publication, error) {
	var pub Publication
	op := func() error {
		out, err := p.run(ctx, "publish", "--id", tunnelID, stagingDir)
		if err != nil {
			return err
		}
		var got Publication
		if err := json.Unmarshal(out, &got); err != nil {
			return backoff.Permanent(fmt.Errorf("parse publish output: %w", err))
		}
		if got.Hostname == "" || got.PublicURL == "" {
			return backoff.Permanent(fmt.Errorf("publish output missing hostname or public_url: %q", out))
		}
		pub = got
		return nil
	}
	if err := p.retry(ctx, "publish", tunnelID, op); err != nil {
		return Publication{}, fmt.Errorf("%w: tunnel %s: %v", domain.ErrEdgeProvision, tunnelID, err)
	}
	return pub, nil
}

// Unpublish implements Provider.
func (p *CLIProvider) Unpublish(ctx context.Context, tunnelID string) error {
	op := func() error {
		_, err := p.run(ctx, "unpublish", "--id", tunnelID)
		return err
	}
	if err := p.retry(ctx, "unpublish", tunnelID, op); err != nil {
		return fmt.Errorf("%w: tunnel %s: %v", domain.ErrEdgeUnpublish, tunnelID, err)
	}
	return nil
}

// ListPublished implements Provider.
func (p *CLIProvider) ListPublished(ctx context.Context) ([]Route, error) {
	var routes []Route
	op := func() error {
		out, err := p.run(ctx, "list", "--json")
		if err != nil {
			return err
		}
		var got []Route
		if err := json.Unmarshal(out, &got); err != nil {
			return backoff.Permanent(fmt.Errorf("parse list output: %w", err))
		}
		routes = got
		return nil
	}
	if err := p.retry(ctx, "list", "", op); err != nil {
		return nil, fmt.Errorf("list published routes: %w", err)
	}
	return routes, nil
}

func (p *CLIProvider) retry(ctx context.Context, verb, tunnelID string, op backoff.Operation) error {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     p.initialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         4 * p.initialInterval,
		Clock:               backoff.SystemClock,
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn("edge command retry",
			"verb", verb, "tunnel_id", tunnelID, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx), notify)
}

// run executes one provider invocation under its own timeout. Stderr is
// folded into the error so operators see what the binary complained about.
func (p *CLIProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.cmd, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s %s: %s", p.cmd, args[0], msg)
	}
	return stdout.Bytes(), nil
}
