package testrunner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"regexp"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/taskhub/taskhub/pkg/cerr"
)

// Report is the outcome of one test run.
type Report struct {
	AllPassed   bool   `json:"all_passed"`
	PassedCount int    `json:"passed_count"`
	FailedCount int    `json:"failed_count"`
	RawOutput   string `json:"raw_output"`
}

type Runner interface {
	// Run executes the test suite for the given files and reports the result.
	Run(ctx context.Context, files []string) (*Report, error)
}

// ShellRunner executes a configured shell command with the changed files
// appended as arguments.
type ShellRunner struct {
	command string
	dir     string
}

var _ Runner = (*ShellRunner)(nil)

func NewShellRunner(command, dir string) *ShellRunner {
	return &ShellRunner{command: command, dir: dir}
}

var (
	passedPattern = regexp.MustCompile(`(\d+) passed`)
	failedPattern = regexp.MustCompile(`(\d+) failed`)
)

func (r *ShellRunner) Run(ctx context.Context, files []string) (*Report, error) {
	script := r.command
	if len(files) > 0 {
		script += " " + strings.Join(files, " ")
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "invalid test command", err)
	}

	var out bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(nil, &out, &out),
		interp.Dir(r.dir),
		interp.Env(expand.ListEnviron(os.Environ()...)),
	)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to set up test runner", err)
	}

	runErr := runner.Run(ctx, file)
	report := &Report{
		AllPassed: runErr == nil,
		RawOutput: out.String(),
	}
	if runErr != nil {
		var status interp.ExitStatus
		if !errors.As(runErr, &status) {
			return nil, cerr.NewError(cerr.Internal, "test command failed to run", runErr)
		}
	}

	report.PassedCount = extractCount(passedPattern, report.RawOutput)
	report.FailedCount = extractCount(failedPattern, report.RawOutput)
	if report.AllPassed && report.PassedCount == 0 {
		report.PassedCount = len(files)
	}
	if !report.AllPassed && report.FailedCount == 0 {
		report.FailedCount = 1
	}
	return report, nil
}

func extractCount(pattern *regexp.Regexp, output string) int {
	m := pattern.FindStringSubmatch(output)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
