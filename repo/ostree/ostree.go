// Package ostree is a repo.Backend that runs the ostree command line tool
// against repositories kept under one root directory.
package ostree

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deltapub/deltapub/repo"
)

// Stderr fragments that mean the object itself is bad, retrying won't help.
var permanentMarkers = []string{"No such", "not found", "invalid", "Invalid", "does not exist"}

type Backend struct {
	root   string
	binary string
}

var _ repo.Backend = (*Backend)(nil)

// NewBackend serves repositories found at <root>/<repo>. binary defaults to "ostree".
func NewBackend(root, binary string) *Backend {
	if binary == "" {
		binary = "ostree"
	}
	return &Backend{root: root, binary: binary}
}

func (b *Backend) repoPath(name string) string {
	return filepath.Join(b.root, name)
}

// command creates an exec.Cmd running ostree against repo name.
func (b *Backend) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	args = append([]string{"--repo=" + b.repoPath(name)}, args...)
	return exec.CommandContext(ctx, b.binary, args...)
}

// run runs cmd and returns trimmed stdout. Exit failures become ObjectErrors.
func (b *Backend) run(cmd *exec.Cmd, op, name, object string) (string, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.WithFields(log.Fields{
		"repo": name,
		"op":   op,
		"args": cmd.Args[1:],
	}).Debug("running ostree")
	out, err := cmd.Output()
	if err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Never started, or killed by the context: the object is fine.
		return "", errors.Wrapf(err, "running %s %s", b.binary, op)
	}
	msg := strings.TrimSpace(stderr.String())
	log.WithFields(log.Fields{
		"repo":   name,
		"op":     op,
		"stderr": msg,
	}).Info("ostree failed")
	return "", &repo.ObjectError{
		Op:        op,
		Repo:      name,
		Object:    object,
		Retryable: !isPermanent(msg),
		Err:       errors.Errorf("%v: %s", err, msg),
	}
}

func isPermanent(stderr string) bool {
	for _, m := range permanentMarkers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

func (b *Backend) Commit(ctx context.Context, name string, req repo.CommitRequest) (string, error) {
	args := []string{"commit", "--branch=" + req.Ref, "--tree=dir=" + req.Source}
	if req.Subject != "" {
		args = append(args, "--subject="+req.Subject)
	}
	if req.Body != "" {
		args = append(args, "--body="+req.Body)
	}
	commit, err := b.run(b.command(ctx, name, args...), "commit", name, req.Ref)
	if err != nil {
		return "", err
	}
	if commit == "" {
		return "", &repo.ObjectError{Op: "commit", Repo: name, Object: req.Ref, Retryable: true,
			Err: errors.New("ostree printed no commit id")}
	}
	return commit, nil
}

func (b *Backend) ComputeDelta(ctx context.Context, name string, spec repo.DeltaSpec) (*repo.DeltaInfo, error) {
	args := []string{"static-delta", "generate", "--to=" + spec.To}
	if spec.From == "" {
		args = append(args, "--empty")
	} else {
		args = append(args, "--from="+spec.From)
	}
	if _, err := b.run(b.command(ctx, name, args...), "static-delta", name, spec.DeltaID()); err != nil {
		return nil, err
	}
	return &repo.DeltaInfo{
		ID:   spec.DeltaID(),
		From: spec.From,
		To:   spec.To,
		Size: b.deltaSize(name, spec),
	}, nil
}

// deltaSize is the size of the files ostree wrote for spec, best effort.
func (b *Backend) deltaSize(name string, spec repo.DeltaSpec) int64 {
	rel, ok := deltaPath(spec)
	if !ok {
		return 0
	}
	var total int64
	filepath.Walk(filepath.Join(b.repoPath(name), rel), func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// deltaPath is where ostree files the static delta for spec, relative to
// the repository: deltas/<to[:2]>/<to[2:]> for a from-scratch delta and
// deltas/<from[:2]>/<from[2:]>-<to> otherwise, checksums in modified base64.
func deltaPath(spec repo.DeltaSpec) (string, bool) {
	to, ok := checksumB64(spec.To)
	if !ok {
		return "", false
	}
	if spec.From == "" {
		return filepath.Join("deltas", to[:2], to[2:]), true
	}
	from, ok := checksumB64(spec.From)
	if !ok {
		return "", false
	}
	return filepath.Join("deltas", from[:2], from[2:]+"-"+to), true
}

// checksumB64 converts a hex sha256 checksum to ostree's modified base64:
// unpadded, with '_' in place of '/'.
func checksumB64(checksum string) (string, bool) {
	raw, err := hex.DecodeString(checksum)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	return strings.Replace(base64.RawStdEncoding.EncodeToString(raw), "/", "_", -1), true
}

func (b *Backend) Checkout(ctx context.Context, name, ref, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrapf(err, "creating checkout dir for %s", ref)
	}
	_, err := b.run(b.command(ctx, name, "checkout", "--union", "-U", ref, target), "checkout", name, ref)
	return err
}

func (b *Backend) UpdateRef(ctx context.Context, name, ref, commit string) error {
	_, err := b.run(b.command(ctx, name, "refs", "--force", "--create="+ref, commit), "update-ref", name, ref)
	return err
}
