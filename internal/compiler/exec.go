package compiler

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
)

type OutputEncoding string

const (
	OutputHex OutputEncoding = "hex"
	OutputRaw OutputEncoding = "raw"
)

const (
	maxStderrInError = 2048
	// waitDelay bounds how long Run waits for output pipes after the
	// process is killed, in case it left children holding them.
	waitDelay = 2 * time.Second
)

type ExecConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
	Output  OutputEncoding
	Dir     string
}

func (c ExecConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("compiler command is required")
	}
	if c.Timeout < 0 {
		return errors.New("compiler timeout must be >= 0")
	}
	switch c.Output {
	case OutputHex, OutputRaw:
	default:
		return fmt.Errorf("unsupported compiler output encoding %q", c.Output)
	}
	return nil
}

// Exec compiles by running an external command. The source is written to
// stdin; the target, optimize flag and salts are passed as arguments, and
// salts are also exported as HELIOS_SALT_<NAME>.
type Exec struct {
	cfg ExecConfig
}

func NewExec(cfg ExecConfig) (*Exec, error) {
	if cfg.Output == "" {
		cfg.Output = OutputHex
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exec{cfg: cfg}, nil
}

func (e *Exec) Compile(ctx context.Context, source domain.Source, params domain.CompileParams) (domain.CompiledArtifact, error) {
	if e == nil {
		return domain.CompiledArtifact{}, errors.New("exec compiler not initialized")
	}
	if source.Text == "" {
		return domain.CompiledArtifact{}, fmt.Errorf("%w: exec compiler needs source text, got only a hash", domain.ErrInvalidParams)
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	saltEnv, err := SaltEnv(params.Salts)
	if err != nil {
		return domain.CompiledArtifact{}, err
	}
	args := append(append([]string{}, e.cfg.Args...), Arguments(params)...)
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), saltEnv...)
	cmd.Stdin = strings.NewReader(source.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.CompiledArtifact{}, fmt.Errorf("%s: %w", e.cfg.Command, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrInError {
			msg = msg[:maxStderrInError] + "..."
		}
		if msg != "" {
			return domain.CompiledArtifact{}, fmt.Errorf("%s: %w: %s", e.cfg.Command, err, msg)
		}
		return domain.CompiledArtifact{}, fmt.Errorf("%s: %w", e.cfg.Command, err)
	}

	payload, err := decodeOutput(stdout.Bytes(), e.cfg.Output)
	if err != nil {
		return domain.CompiledArtifact{}, err
	}
	return domain.CompiledArtifact{Version: params.Target, Payload: payload}, nil
}

// Arguments renders params as command line flags in a stable order.
func Arguments(params domain.CompileParams) []string {
	args := []string{"--target", string(params.Target)}
	if params.Optimize {
		args = append(args, "--optimize")
	}
	for _, name := range sortedNames(params.Salts) {
		args = append(args, "--salt", name+"="+params.Salts[name])
	}
	return args
}

// SaltEnv renders salts as HELIOS_SALT_<NAME> variables. Names that map to
// the same variable, such as "a-b" and "a_b", are rejected.
func SaltEnv(salts map[string]string) ([]string, error) {
	out := make([]string, 0, len(salts))
	seen := make(map[string]string, len(salts))
	for _, name := range sortedNames(salts) {
		variable := "HELIOS_SALT_" + envName(name)
		if other, dup := seen[variable]; dup {
			return nil, fmt.Errorf("%w: salts %q and %q both map to %s", domain.ErrInvalidParams, other, name, variable)
		}
		seen[variable] = name
		out = append(out, variable+"="+salts[name])
	}
	return out, nil
}

func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeOutput(out []byte, encoding OutputEncoding) ([]byte, error) {
	if encoding == OutputRaw {
		if len(out) == 0 {
			return nil, errors.New("compiler produced no output")
		}
		return out, nil
	}
	text := strings.TrimSpace(string(out))
	text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
	if text == "" {
		return nil, errors.New("compiler produced no output")
	}
	payload, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode compiler output: %w", err)
	}
	return payload, nil
}
