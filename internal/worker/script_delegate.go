package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/taskhub/taskhub/pkg/cerr"
)

// ScriptDelegate executes tasks by running a configured shell command with
// the brief exposed through TASKHUB_* environment variables. The command's
// stdout becomes the result summary.
type ScriptDelegate struct {
	command string
	dir     string
}

var _ Delegate = (*ScriptDelegate)(nil)

func NewScriptDelegate(command, dir string) *ScriptDelegate {
	return &ScriptDelegate{command: command, dir: dir}
}

func (d *ScriptDelegate) Execute(ctx context.Context, brief *Brief) (*Result, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(d.command), "")
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "invalid delegate command", err)
	}

	env := append(os.Environ(),
		"TASKHUB_TASK_ID="+brief.TaskID,
		"TASKHUB_TASK_REF="+brief.ShortID,
		"TASKHUB_TASK_TITLE="+brief.Title,
		"TASKHUB_TASK_CATEGORY="+brief.Category,
		"TASKHUB_TASK_DESCRIPTION="+brief.Description,
		fmt.Sprintf("TASKHUB_ESTIMATED_HOURS=%.2f", brief.EstimatedHours),
	)

	var out bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(strings.NewReader(brief.Description), &out, &out),
		interp.Dir(d.dir),
		interp.Env(expand.ListEnviron(env...)),
	)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to set up delegate runner", err)
	}

	if err := runner.Run(ctx, file); err != nil {
		return nil, fmt.Errorf("delegate command failed: %w: %s", err, truncateReason(out.String()))
	}

	return &Result{Summary: strings.TrimSpace(out.String())}, nil
}
