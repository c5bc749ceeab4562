package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"meridian/internal/domain"
	"meridian/internal/worker"
)

const maxOutput = 512

type Shell struct{}

type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Dir     string            `json:"dir"`
}

// Handle runs the payload's command. The instance id and attempt number are exported as
// MERIDIAN_INSTANCE_ID and MERIDIAN_ATTEMPT so scripts can deduplicate redeliveries.
func (h Shell) Handle(ctx context.Context, task worker.Task) error {
	var c Cmd
	if err := json.Unmarshal(task.Payload, &c); err != nil {
		return domain.Terminal(fmt.Errorf("invalid shell payload: %w", err))
	}
	if c.Command == "" {
		return domain.Terminal(fmt.Errorf("command is required"))
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"MERIDIAN_INSTANCE_ID="+task.InstanceID,
		"MERIDIAN_ATTEMPT="+strconv.Itoa(task.AttemptCount+1),
	)
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return domain.Terminal(fmt.Errorf("shell error: %w", err))
	}
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return fmt.Errorf("shell error: %w; out=%s", err, string(out))
}
