package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/deck/internal/capsule"
	"github.com/roach88/deck/internal/nostr"
)

// EventsFile is the name of the snapshot file written into the project.
const EventsFile = "events.json"

// ToolchainConfig configures an external capsule build.
type ToolchainConfig struct {
	// Command and Args run inside the rendered project directory. Args are
	// templates over ProjectData.
	Command string
	Args    []string
	// TemplateDir holds the project template. Files ending in .tmpl are
	// rendered with ProjectData and written without the suffix; all other
	// files are copied verbatim.
	TemplateDir string
	// Artifact is a glob, relative to the project directory and templated
	// over ProjectData, locating the built module.
	Artifact string
	// OutputDir receives finished capsules.
	OutputDir string
	// Timeout bounds one build. Zero means no limit.
	Timeout time.Duration
	// KeepWorkDir leaves the project directory behind for debugging.
	KeepWorkDir bool
}

// ProjectData is the template context of a build.
type ProjectData struct {
	Name          string
	DisplayName   string
	Description   string
	PubKey        string
	Contact       string
	Icon          string
	Author        string
	Version       string
	Features      []string
	FeatureList   string
	SupportedNIPs []int
	NIPsJSON      string
	EventCount    int
	EventsFile    string
	Built         time.Time
}

// Toolchain compiles capsules by running an external build.
//
// Thread-safety: Compile may be called concurrently; every build gets its
// own project directory.
type Toolchain struct {
	cfg ToolchainConfig
	rt  *capsule.Runtime
	now func() time.Time
}

// NewToolchain creates a toolchain that loads results into rt.
func NewToolchain(cfg ToolchainConfig, rt *capsule.Runtime) *Toolchain {
	return &Toolchain{cfg: cfg, rt: rt, now: time.Now}
}

// Compile implements Compiler.
func (t *Toolchain) Compile(ctx context.Context, events []nostr.Event, ext Extensions, meta Metadata) (*Result, error) {
	if t.cfg.TemplateDir == "" {
		return nil, fmt.Errorf("compile: no template directory configured")
	}
	if t.cfg.Command == "" {
		return nil, fmt.Errorf("compile: no build command configured")
	}
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	work, err := os.MkdirTemp("", "deck-build-*")
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if t.cfg.KeepWorkDir {
		slog.Info("keeping build directory", "dir", work)
	} else {
		defer os.RemoveAll(work)
	}

	data := t.projectData(events, ext, meta, work)
	start := time.Now()

	if err := writeEvents(filepath.Join(work, EventsFile), events); err != nil {
		return nil, err
	}
	if err := renderProject(t.cfg.TemplateDir, work, data); err != nil {
		return nil, err
	}
	if err := t.run(ctx, work, data); err != nil {
		return nil, err
	}

	artifact, err := t.findArtifact(work, data)
	if err != nil {
		return nil, err
	}
	path, size, err := t.install(artifact, data)
	if err != nil {
		return nil, err
	}

	c, err := t.rt.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("compile: load %s: %w", path, err)
	}

	slog.Info("capsule compiled",
		"capsule", c.Name(),
		"events", len(events),
		"bytes", size,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return &Result{Capsule: c, Path: path, Size: size}, nil
}

func (t *Toolchain) projectData(events []nostr.Event, ext Extensions, meta Metadata, work string) ProjectData {
	display := meta.Name
	if display == "" {
		display = "deck"
	}
	nips := ext.SupportedNIPs()
	nipsJSON, _ := json.Marshal(nips)
	features := ext.Features()
	return ProjectData{
		Name:          SanitizeName(display),
		DisplayName:   display,
		Description:   meta.Description,
		PubKey:        meta.PubKey,
		Contact:       meta.Contact,
		Icon:          meta.Icon,
		Author:        meta.Author,
		Version:       meta.Version,
		Features:      features,
		FeatureList:   strings.Join(features, ","),
		SupportedNIPs: nips,
		NIPsJSON:      string(nipsJSON),
		EventCount:    len(events),
		EventsFile:    filepath.Join(work, EventsFile),
		Built:         t.now(),
	}
}

func writeEvents(path string, events []nostr.Event) error {
	if events == nil {
		events = []nostr.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("compile: encode events: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("compile: write events: %w", err)
	}
	return nil
}

func renderProject(src, dst string, data ProjectData) error {
	root := os.DirFS(src)
	err := fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dst, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		raw, err := fs.ReadFile(root, path)
		if err != nil {
			return err
		}
		if !strings.HasSuffix(path, ".tmpl") {
			return os.WriteFile(target, raw, 0o644)
		}

		tmpl, err := template.New(path).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		var out bytes.Buffer
		if err := tmpl.Execute(&out, data); err != nil {
			return fmt.Errorf("render %s: %w", path, err)
		}
		return os.WriteFile(strings.TrimSuffix(target, ".tmpl"), out.Bytes(), 0o644)
	})
	if err != nil {
		return fmt.Errorf("compile: render template: %w", err)
	}
	return nil
}

func expand(s string, data ProjectData) (string, error) {
	tmpl, err := template.New("arg").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (t *Toolchain) run(ctx context.Context, work string, data ProjectData) error {
	args := make([]string, len(t.cfg.Args))
	for i, a := range t.cfg.Args {
		v, err := expand(a, data)
		if err != nil {
			return fmt.Errorf("compile: expand arg %q: %w", a, err)
		}
		args[i] = v
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, args...)
	cmd.Dir = work
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	slog.Debug("running build", "command", t.cfg.Command, "args", args, "dir", work)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("compile: %s failed: %w: %s", t.cfg.Command, err, tail(output.String(), 2048))
	}
	return nil
}

func (t *Toolchain) findArtifact(work string, data ProjectData) (string, error) {
	pattern, err := expand(t.cfg.Artifact, data)
	if err != nil {
		return "", fmt.Errorf("compile: expand artifact: %w", err)
	}
	matches, err := filepath.Glob(filepath.Join(work, pattern))
	if err != nil {
		return "", fmt.Errorf("compile: artifact pattern: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("compile: no artifact matches %q", pattern)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// install copies the artifact into the output directory under a unique
// name. The copy is written to a temp file and renamed so bootstrap never
// sees a partial capsule.
func (t *Toolchain) install(artifact string, data ProjectData) (string, int64, error) {
	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("compile: output dir: %w", err)
	}
	short := strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")[24:]
	name := fmt.Sprintf("%s-%d-%s.wasm", data.Name, data.Built.Unix(), short)
	final := filepath.Join(t.cfg.OutputDir, name)

	in, err := os.Open(artifact)
	if err != nil {
		return "", 0, fmt.Errorf("compile: open artifact: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(t.cfg.OutputDir, ".partial-*")
	if err != nil {
		return "", 0, fmt.Errorf("compile: %w", err)
	}
	size, err := io.Copy(tmp, in)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("compile: copy artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("compile: install artifact: %w", err)
	}
	return final, size, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
