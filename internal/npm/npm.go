// Package npm runs package scripts and publishes packages through the
// configured npm client.
package npm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"monorel/internal/manifest"
)

// Client invokes an npm-compatible executable.
type Client struct {
	// Bin is the executable name, "npm" when empty.
	Bin      string
	Registry string
	// Stdout receives the prefixed output of every command, os.Stdout when nil.
	Stdout io.Writer
	Logger *slog.Logger

	mu sync.Mutex
}

func (c *Client) bin() string {
	if c.Bin == "" {
		return "npm"
	}
	return c.Bin
}

func (c *Client) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (c *Client) out() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

// RunScript runs script for pkg when its manifest defines it. A missing
// script is not an error.
func (c *Client) RunScript(ctx context.Context, pkg *manifest.Package, script string) error {
	if !pkg.HasScript(script) {
		return nil
	}
	return c.Exec(ctx, pkg, c.bin(), "run", script)
}

// Publish publishes pkg under distTag. The client's own lifecycle scripts are
// skipped; callers run them in dependency order.
func (c *Client) Publish(ctx context.Context, pkg *manifest.Package, distTag string) error {
	args := []string{"publish", "--ignore-scripts"}
	if distTag != "" {
		args = append(args, "--tag", distTag)
	}
	if c.Registry != "" {
		args = append(args, "--registry", c.Registry)
	}
	return c.Exec(ctx, pkg, c.bin(), args...)
}

// Exec runs name with args in the package directory. The environment carries
// the npm_package_name and npm_package_version of pkg, and every output line
// is prefixed with the package name.
func (c *Client) Exec(ctx context.Context, pkg *manifest.Package, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = pkg.Location
	cmd.Env = append(os.Environ(),
		"npm_package_name="+pkg.Name,
		"npm_package_version="+pkg.Version,
		"MONOREL_PACKAGE_NAME="+pkg.Name,
		"MONOREL_ROOT_PATH="+pkg.RootPath,
	)
	if c.Registry != "" {
		cmd.Env = append(cmd.Env, "npm_config_registry="+c.Registry)
	}

	w := &prefixWriter{prefix: pkg.Name + ": ", out: c.out(), mu: &c.mu}
	cmd.Stdout = w
	cmd.Stderr = w

	c.log().Debug("exec", "package", pkg.Name, "cmd", name, "args", args)
	err := cmd.Run()
	w.Flush()
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

// prefixWriter writes complete lines to out, each with prefix. Lines of
// concurrent commands never interleave mid-line.
type prefixWriter struct {
	prefix string
	out    io.Writer
	mu     *sync.Mutex
	buf    bytes.Buffer
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		if err := w.emit(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush writes a trailing partial line.
func (w *prefixWriter) Flush() {
	if w.buf.Len() > 0 {
		line := append(w.buf.Bytes(), '\n')
		w.buf.Reset()
		w.emit(line)
	}
}

func (w *prefixWriter) emit(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.out, "%s%s", w.prefix, line)
	return err
}
