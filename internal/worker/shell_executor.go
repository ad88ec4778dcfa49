package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

const defaultGracePeriod = 10 * time.Second

// Символы, требующие настоящей оболочки: подстановки, glob, группировка.
const shellMeta = "$`*?~(){}"

// ShellExecutor — executor для шага типа "shell".
//
// Простые команды ("pg_dump -Fc app") разбираются go-shellwords и
// запускаются без оболочки. Команды с операторами (;, &&, |, >) или
// подстановками выполняются через Shell -c.
//
// При отмене процесс получает SIGINT и GracePeriod на завершение,
// после чего убивается.
type ShellExecutor struct {
	// Shell — оболочка для сложных команд. По умолчанию /bin/sh.
	Shell string

	// Dir — рабочий каталог. Пусто — текущий.
	Dir string

	// GracePeriod — сколько ждать после SIGINT. По умолчанию 10s.
	GracePeriod time.Duration
}

// Execute выполняет команду.
func (e *ShellExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	argv, err := e.argv(inv.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)

	out := &limitedBuffer{max: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultGracePeriod
	}

	err = cmd.Run()
	res := &Result{Output: out.String()}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandError{ExitCode: res.ExitCode, Output: res.Output}
	}

	// Процесс не запустился: бинарник не найден или не исполняемый.
	// Коды как у оболочки, чтобы классификация была единой.
	res.ExitCode = 126
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		res.ExitCode = 127
	}
	res.Output = strings.TrimSpace(res.Output + "\n" + err.Error())
	return res, &CommandError{ExitCode: res.ExitCode, Output: res.Output}
}

// argv превращает строку команды в аргументы процесса.
func (e *ShellExecutor) argv(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("%w: empty shell command", ErrInvalidCommand)
	}

	if !strings.ContainsAny(command, shellMeta) {
		parser := shellwords.NewParser()
		parser.ParseEnv = false
		parser.ParseBacktick = false

		args, err := parser.Parse(command)
		// Position == -1: строка разобрана целиком, операторов оболочки нет
		if err == nil && parser.Position == -1 && len(args) > 0 {
			return args, nil
		}
	}

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-c", command}, nil
}

// mergeEnv дополняет окружение процесса переменными шага.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; !override {
			env = append(env, kv)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
