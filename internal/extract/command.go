package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"inboxflow/internal/domain"
)

// Command runs an external program per message. The program reads a Request
// as JSON on stdin and writes ExtractedFields as JSON on stdout.
type Command struct {
	Command string
	Args    []string
}

// ParseCommand splits a command line on whitespace.
func ParseCommand(line string) Command {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}
	}
	return Command{Command: parts[0], Args: parts[1:]}
}

func (c Command) Extract(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error) {
	if c.Command == "" {
		return domain.ExtractedFields{}, fmt.Errorf("command is required")
	}
	in, err := json.Marshal(Request{Body: body, Sender: sender, TenantID: tenantID})
	if err != nil {
		return domain.ExtractedFields{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.ExtractedFields{}, fmt.Errorf("extractor command: %w", ctxErr)
		}
		return domain.ExtractedFields{}, fmt.Errorf("extractor command error: %v; stderr=%s", err, stderr.String())
	}

	var f domain.ExtractedFields
	if err := json.Unmarshal(stdout.Bytes(), &f); err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("invalid extractor output: %w", err)
	}
	return f, nil
}
