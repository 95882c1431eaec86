package telemtconf

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// PublishError is returned when the config file could not be replaced. The
// previous file, if any, is still in place.
type PublishError struct {
	Path string
	Op   string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("telemtconf: publish %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publisher atomically replaces the config file read by telemt.
//
// Each Publish writes a sibling temp file and renames it over the target, so
// readers only ever see a complete document. Concurrent Publish calls are
// safe; the last rename wins.
type Publisher struct {
	path   string
	mode   os.FileMode
	logger *slog.Logger
}

func NewPublisher(path string, logger *slog.Logger) *Publisher {
	return &Publisher{path: path, mode: 0o600, logger: logger}
}

// Path returns the destination file, empty when publishing is disabled.
func (p *Publisher) Path() string {
	return p.path
}

// Enabled reports whether a destination is configured.
func (p *Publisher) Enabled() bool {
	return p.path != ""
}

// Publish encodes doc and installs it at the destination path.
func (p *Publisher) Publish(doc Document) error {
	if !p.Enabled() {
		return nil
	}

	data, err := Encode(doc)
	if err != nil {
		return &PublishError{Path: p.path, Op: "encode", Err: err}
	}
	// Guard against the encoder producing something telemt cannot read back.
	if _, err := Decode(data); err != nil {
		return &PublishError{Path: p.path, Op: "verify", Err: err}
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PublishError{Path: p.path, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".telemt-*.toml")
	if err != nil {
		return &PublishError{Path: p.path, Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return &PublishError{Path: p.path, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &PublishError{Path: p.path, Op: "sync", Err: err}
	}
	// An existing file keeps its permissions; new files are owner-only
	// since they carry every user's secret.
	mode := p.mode
	if fi, err := os.Stat(p.path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		return &PublishError{Path: p.path, Op: "chmod", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PublishError{Path: p.path, Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return &PublishError{Path: p.path, Op: "rename", Err: err}
	}
	committed = true

	p.logger.Debug("telemt config published", "path", p.path, "bytes", len(data))
	return nil
}
