package vpn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Result holds the output of one external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a program and returns its output. A non-zero exit status is
// reported through Result.ExitCode, not as an error.
type Runner func(ctx context.Context, program string, args ...string) (*Result, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, program string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", program, err)
	}
	return res, nil
}

// Commands describes how to drive a VPN client. Every "{name}" in an argument or
// in ConnectedPattern is replaced with the connection name.
type Commands struct {
	Status     []string
	Connect    []string
	Disconnect []string
	// ConnectedPattern is a regular expression matched against Status output.
	// The name substituted into it is regexp-quoted.
	ConnectedPattern string
}

// DefaultCommands returns the client commands for an operating system:
// rasdial and Get-VpnConnection on Windows, NetworkManager everywhere else.
func DefaultCommands(goos string) Commands {
	if goos == "windows" {
		return Commands{
			Status:           []string{"powershell.exe", "-NoProfile", "-Command", "Get-VpnConnection -Name '{name}'"},
			Connect:          []string{"rasdial", "{name}"},
			Disconnect:       []string{"rasdial", "{name}", "/disconnect"},
			ConnectedPattern: `ConnectionStatus\s*:\s*Connected\b`,
		}
	}
	return Commands{
		Status:           []string{"nmcli", "-t", "-f", "NAME", "connection", "show", "--active"},
		Connect:          []string{"nmcli", "connection", "up", "id", "{name}"},
		Disconnect:       []string{"nmcli", "connection", "down", "id", "{name}"},
		ConnectedPattern: `(?m)^{name}\r?$`,
	}
}

// CommandProvider implements Provider by shelling out to the VPN client.
type CommandProvider struct {
	commands Commands
	run      Runner
}

// NewCommandProvider creates a provider. A nil runner means ExecRunner.
func NewCommandProvider(commands Commands, run Runner) *CommandProvider {
	if run == nil {
		run = ExecRunner
	}
	return &CommandProvider{commands: commands, run: run}
}

// IsUp runs the status command and matches its output.
func (p *CommandProvider) IsUp(ctx context.Context, name string) (bool, error) {
	res, err := p.exec(ctx, p.commands.Status, name)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("status command exited with %d: %s", res.ExitCode, output(res))
	}

	pattern := strings.ReplaceAll(p.commands.ConnectedPattern, "{name}", regexp.QuoteMeta(name))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid connected pattern %q: %w", pattern, err)
	}
	return re.MatchString(res.Stdout), nil
}

// Connect runs the connect command.
func (p *CommandProvider) Connect(ctx context.Context, name string) error {
	res, err := p.exec(ctx, p.commands.Connect, name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("connect command exited with %d: %s", res.ExitCode, output(res))
	}
	return nil
}

// Disconnect runs the disconnect command.
func (p *CommandProvider) Disconnect(ctx context.Context, name string) error {
	res, err := p.exec(ctx, p.commands.Disconnect, name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("disconnect command exited with %d: %s", res.ExitCode, output(res))
	}
	return nil
}

func (p *CommandProvider) exec(ctx context.Context, argv []string, name string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command configured")
	}
	args := make([]string, len(argv)-1)
	for i, arg := range argv[1:] {
		args[i] = strings.ReplaceAll(arg, "{name}", name)
	}
	return p.run(ctx, argv[0], args...)
}

func output(res *Result) string {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(res.Stdout)
}
