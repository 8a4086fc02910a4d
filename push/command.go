package push

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"text/template"

	"golang.org/x/xerrors"
)

// DefaultProgram is the push command.
const DefaultProgram = "storescu"

// Argument templates. Each element is rendered with the fields AETitle, IP,
// Port, CallingAE and Dir. File pushes append the file names.
var (
	DefaultFileArgs = []string{
		"--call", "{{.AETitle}}",
		"--aetitle", "{{.CallingAE}}",
		"--log-level", "info",
		"--timeout", "15",
		"{{.IP}}", "{{.Port}}",
	}
	DefaultDirArgs = []string{
		"--call", "{{.AETitle}}",
		"--aetitle", "{{.CallingAE}}",
		"--log-level", "info",
		"--timeout", "15",
		"--scan-directories",
		"{{.IP}}", "{{.Port}}",
		"{{.Dir}}",
	}
)

type argData struct {
	AETitle   string
	IP        string
	Port      int
	CallingAE string
	Dir       string
}

func render(program string, args []string, data argData) ([]string, error) {
	argv := make([]string, 0, len(args)+1)
	argv = append(argv, program)
	for _, a := range args {
		if !strings.Contains(a, "{{") {
			argv = append(argv, a)
			continue
		}
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, xerrors.Errorf("bad argument template %q: %w", a, err)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, xerrors.Errorf("rendering argument %q: %w", a, err)
		}
		argv = append(argv, b.String())
	}
	return argv, nil
}

// Result is the outcome of one command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner runs a push command. It returns an error only when the command
// could not be run at all; a non-zero exit is reported in Result.
type Runner interface {
	Run(ctx context.Context, argv []string) (Result, error)
}

// ExecRunner runs commands as local processes with stdin at /dev/null.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, xerrors.New("empty command")
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, xerrors.Errorf("running %s: %w", argv[0], err)
	}
}
