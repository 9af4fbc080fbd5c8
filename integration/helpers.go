//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRenderer mimics the Commandline renderer: it prints prefixed progress
// lines and writes one image per run into the -oimage folder.
const fakeRenderer = `#!/bin/sh
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-oimage" ]; then out="$arg"; fi
  prev="$arg"
done
echo "[C4D] Loading project $2"
echo "[C4D] Rendering frame 1"
if [ -n "$out" ]; then
  mkdir -p "$out"
  echo img > "$out/frame_0001.png"
fi
echo "[C4D] Rendering successful"
`

// env is an isolated render-queue installation
type env struct {
	t      *testing.T
	binary string
	dir    string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{t: t, binary: binaryPath(t), dir: dir, config: filepath.Join(dir, "config.toml")}

	config := `[general]
data_dir = "` + dir + `"
tasks_dir = "` + filepath.Join(dir, "tasks") + `"
history_path = "` + filepath.Join(dir, "history.db") + `"

[logging]
level = "warn"

[queue]
mode = "serial"
log_prefix = "[C4D] "
`
	if err := os.WriteFile(e.config, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return e
}

// renderer writes the fake renderer script and returns its path
func (e *env) renderer() string {
	e.t.Helper()
	path := filepath.Join(e.dir, "Commandline")
	if err := os.WriteFile(path, []byte(fakeRenderer), 0755); err != nil {
		e.t.Fatal(err)
	}
	return path
}

// project creates an empty project file
func (e *env) project(name string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, "scenes", name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("c4d"), 0644); err != nil {
		e.t.Fatal(err)
	}
	return path
}

// run executes the CLI and returns combined output
func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := exec.Command(e.binary, append([]string{"--config", e.config}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// mustRun fails the test when the command fails
func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("render-queue %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// binaryPath builds the CLI once per test binary
func binaryPath(t *testing.T) string {
	t.Helper()
	abs, _ := filepath.Abs("../render-queue")
	if _, err := os.Stat(abs); err == nil {
		return abs
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", abs, "../cmd/render-queue")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	return abs
}
