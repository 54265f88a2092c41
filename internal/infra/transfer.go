package infra

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// TransferPair maps one local path (file or directory) to one remote path
type TransferPair struct {
	Local  string
	Remote string
}

// TransferConfig describes one transfer session
type TransferConfig struct {
	ResourceGroup string
	VMName        string
	ServiceUser   string
	Pairs         []TransferPair
	DryRun        bool
}

// Stager is the object-storage surface of a transfer session. SignBlobs
// mints one identity-scoped delegation key per call and signs every listed
// blob with it; account keys are never used.
type Stager interface {
	CreateContainer(ctx context.Context, account, container string) error
	Upload(ctx context.Context, account, container, blobName, localPath string) error
	SignBlobs(ctx context.Context, account, container string, blobNames []string, expiry time.Time) (map[string]string, error)
	DeleteContainer(ctx context.Context, account, container string) error
}

// CommandRunner executes a shell script on the machine through the
// platform's out-of-band command channel.
type CommandRunner interface {
	Run(ctx context.Context, resourceGroup, vmName, script string) (string, error)
}

// StorageLocator finds the machine's diagnostics storage account
type StorageLocator interface {
	DiagnosticsAccount(ctx context.Context, resourceGroup, vmName string) (string, error)
}

// Transferer moves local files onto a provisioned machine through a
// temporary staging container.
type Transferer struct {
	Locator StorageLocator
	Stager  Stager
	Runner  CommandRunner
	Out     io.Writer
}

type stagedBlob struct {
	blobName   string
	localPath  string
	remotePath string
}

// Run stages every pair into a fresh container, instructs the machine to
// fetch each staged blob, and deletes the container on every exit path,
// including failure and interruption. An orphaned container accrues storage
// charges, so the cleanup runs even when the surrounding context is gone.
func (t *Transferer) Run(ctx context.Context, cfg TransferConfig) (err error) {
	blobs, err := collectBlobs(cfg.Pairs)
	if err != nil {
		return err
	}

	account, err := t.Locator.DiagnosticsAccount(ctx, cfg.ResourceGroup, cfg.VMName)
	if err != nil {
		return fmt.Errorf("locating staging storage account: %w", err)
	}

	container := NewResourceNamer(cfg.VMName).TransferContainerName()

	fmt.Fprintf(t.Out, "Transfer plan for %s (%d files via container %s):\n", cfg.VMName, len(blobs), container)
	for _, blob := range blobs {
		fmt.Fprintf(t.Out, "  %s -> %s\n", blob.localPath, blob.remotePath)
	}
	if cfg.DryRun {
		fmt.Fprintln(t.Out, "Dry run: nothing staged, nothing fetched.")
		return nil
	}

	if err := t.Stager.CreateContainer(ctx, account, container); err != nil {
		return fmt.Errorf("creating staging container: %w", err)
	}
	defer func() {
		// scoped release: the delete must survive cancellation
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if cleanupErr := t.Stager.DeleteContainer(cleanupCtx, account, container); cleanupErr != nil {
			slog.Error("failed to delete staging container; delete it manually to stop storage charges",
				"account", account, "container", container, "error", cleanupErr)
			if err == nil {
				err = fmt.Errorf("deleting staging container: %w", cleanupErr)
			}
		}
	}()

	for _, blob := range blobs {
		slog.Info("staging file", "local", blob.localPath, "blob", blob.blobName)
		if err := t.Stager.Upload(ctx, account, container, blob.blobName, blob.localPath); err != nil {
			return fmt.Errorf("staging %s: %w", blob.localPath, err)
		}
	}

	expiry := time.Now().Add(TransferSASValidity)
	blobNames := make([]string, 0, len(blobs))
	for _, blob := range blobs {
		blobNames = append(blobNames, blob.blobName)
	}
	urls, err := t.Stager.SignBlobs(ctx, account, container, blobNames, expiry)
	if err != nil {
		return fmt.Errorf("minting download tokens: %w", err)
	}
	fetches := make([]fetchEntry, 0, len(blobs))
	for _, blob := range blobs {
		fetches = append(fetches, fetchEntry{url: urls[blob.blobName], remotePath: blob.remotePath})
	}

	script := buildFetchScript(fetches, cfg.ServiceUser)
	slog.Info("fetching staged files on machine", "vmName", cfg.VMName, "files", len(fetches))
	output, err := t.Runner.Run(ctx, cfg.ResourceGroup, cfg.VMName, script)
	if err != nil {
		return fmt.Errorf("remote fetch failed: %w", err)
	}
	slog.Debug("remote fetch output", "output", output)

	fmt.Fprintf(t.Out, "Transferred %d files to %s.\n", len(fetches), cfg.VMName)
	return nil
}

// Quick inlines a single small file into the remote command payload,
// bypassing staging entirely. Directories and files above the threshold are
// rejected before any cloud call.
func (t *Transferer) Quick(ctx context.Context, cfg TransferConfig) error {
	if len(cfg.Pairs) != 1 {
		return fmt.Errorf("quick mode transfers exactly one file, got %d", len(cfg.Pairs))
	}
	pair := cfg.Pairs[0]

	info, err := os.Stat(pair.Local)
	if err != nil {
		return fmt.Errorf("reading %s: %w", pair.Local, err)
	}
	if info.IsDir() {
		return fmt.Errorf("quick mode cannot transfer directory %s", pair.Local)
	}
	if info.Size() > QuickTransferMaxBytes {
		return fmt.Errorf("%s is %d bytes, over the %d byte quick-mode limit; use staged transfer",
			pair.Local, info.Size(), QuickTransferMaxBytes)
	}

	fmt.Fprintf(t.Out, "Quick transfer plan: %s -> %s (inline)\n", pair.Local, pair.Remote)
	if cfg.DryRun {
		fmt.Fprintln(t.Out, "Dry run: nothing sent.")
		return nil
	}

	content, err := os.ReadFile(pair.Local)
	if err != nil {
		return fmt.Errorf("reading %s: %w", pair.Local, err)
	}

	script := buildInlineScript(pair.Remote, base64.StdEncoding.EncodeToString(content), cfg.ServiceUser)
	if _, err := t.Runner.Run(ctx, cfg.ResourceGroup, cfg.VMName, script); err != nil {
		return fmt.Errorf("inline transfer failed: %w", err)
	}
	fmt.Fprintf(t.Out, "Transferred %s to %s.\n", pair.Local, cfg.VMName)
	return nil
}

// collectBlobs expands each pair into concrete file entries. Directories
// are walked; blob names mirror the remote layout under a per-pair prefix.
func collectBlobs(pairs []TransferPair) ([]stagedBlob, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no local:remote path pairs supplied")
	}

	var blobs []stagedBlob
	for i, pair := range pairs {
		info, err := os.Stat(pair.Local)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", pair.Local, err)
		}
		prefix := fmt.Sprintf("p%d", i)

		if !info.IsDir() {
			blobs = append(blobs, stagedBlob{
				blobName:   path.Join(prefix, filepath.Base(pair.Local)),
				localPath:  pair.Local,
				remotePath: pair.Remote,
			})
			continue
		}

		err = filepath.WalkDir(pair.Local, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(pair.Local, p)
			if err != nil {
				return err
			}
			blobs = append(blobs, stagedBlob{
				blobName:   path.Join(prefix, filepath.ToSlash(rel)),
				localPath:  p,
				remotePath: path.Join(pair.Remote, filepath.ToSlash(rel)),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", pair.Local, err)
		}
	}
	return blobs, nil
}

type fetchEntry struct {
	url        string
	remotePath string
}

func buildFetchScript(fetches []fetchEntry, serviceUser string) string {
	var b strings.Builder
	b.WriteString("set -euo pipefail\n")
	for _, fetch := range fetches {
		fmt.Fprintf(&b, "mkdir -p %q\n", path.Dir(fetch.remotePath))
		fmt.Fprintf(&b, "curl -fsSL %q -o %q\n", fetch.url, fetch.remotePath)
		fmt.Fprintf(&b, "chown %s:%s %q\n", serviceUser, serviceUser, fetch.remotePath)
	}
	return b.String()
}

func buildInlineScript(remotePath, encoded, serviceUser string) string {
	var b strings.Builder
	b.WriteString("set -euo pipefail\n")
	fmt.Fprintf(&b, "mkdir -p %q\n", path.Dir(remotePath))
	fmt.Fprintf(&b, "echo %s | base64 -d > %q\n", encoded, remotePath)
	fmt.Fprintf(&b, "chown %s:%s %q\n", serviceUser, serviceUser, remotePath)
	return b.String()
}
