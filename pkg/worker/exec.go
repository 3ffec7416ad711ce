package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/corvohq/fitq/internal/store"
)

// ExecCalculator runs an external program per job. The job is written to the
// program's stdin as JSON; the last non-empty stdout line must be the energy.
// Combined output is kept as the job log.
type ExecCalculator struct {
	Path string
	Args []string
}

func (c ExecCalculator) Calculate(ctx context.Context, job store.Job) (float64, string, error) {
	in, err := json.Marshal(job)
	if err != nil {
		return 0, "", fmt.Errorf("encode job: %w", err)
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	log := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
	if runErr != nil {
		return 0, log, fmt.Errorf("%s: %w", c.Path, runErr)
	}
	energy, err := lastFloat(stdout.String())
	if err != nil {
		return 0, log, err
	}
	return energy, log, nil
}

func lastFloat(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return 0, fmt.Errorf("no energy in output")
	}
	v, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, fmt.Errorf("parse energy %q: %w", last, err)
	}
	return v, nil
}
