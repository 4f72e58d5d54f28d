// Package index drives the external vector-indexing tool. The tool is a
// CLI with `collection add`, `update`, `search`, and `embed` subcommands;
// whether its embed accepts --max-docs is probed, never inferred from
// version strings, so backend upgrades cannot silently change behaviour.
package index

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ProjectionMask selects the projection files inside the collection root.
const ProjectionMask = "mlib/**/*.md"

const defaultTimeout = 30 * time.Second

// Capability is the result of the embed capability probe.
type Capability string

const (
	CapabilityBounded       Capability = "bounded"
	CapabilityUnboundedOnly Capability = "unbounded-only"
	CapabilityMissing       Capability = "missing"
)

type CapabilityProbe struct {
	Capability Capability
	Note       string
}

// Backend is the contract to the external index tool.
type Backend interface {
	// Sync registers or refreshes the collection over rootDir with mask.
	Sync(ctx context.Context, collection, rootDir, mask string) error
	// Search runs a query and returns the tool's raw JSON output.
	Search(ctx context.Context, collection, query string) (string, error)
	// EmbedBounded embeds at most maxDocs pending documents.
	EmbedBounded(ctx context.Context, collection string, maxDocs int, timeout time.Duration) (stdout, stderr string, err error)
	// ProbeEmbedCapability checks for --max-docs support.
	ProbeEmbedCapability(ctx context.Context) CapabilityProbe
}

// CLIBackend shells out to the index binary.
type CLIBackend struct {
	Bin string
}

func NewCLIBackend(bin string) *CLIBackend {
	return &CLIBackend{Bin: bin}
}

func (b *CLIBackend) run(ctx context.Context, timeout time.Duration, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, b.Bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("command timed out after %s", timeout)
	}
	return stdout.String(), stderr.String(), err
}

func isExistingCollectionError(stdout, stderr string) bool {
	combined := strings.ToLower(stdout + "\n" + stderr)
	return strings.Contains(combined, "collection") && strings.Contains(combined, "already exists")
}

func (b *CLIBackend) Sync(ctx context.Context, collection, rootDir, mask string) error {
	stdout, stderr, err := b.run(ctx, defaultTimeout,
		"collection", "add", collection, "--root", rootDir, "--mask", mask)
	if err == nil {
		return nil
	}
	if !isExistingCollectionError(stdout, stderr) {
		return fmt.Errorf("index collection add failed: %w (stdout: %s stderr: %s)",
			err, strings.TrimSpace(stdout), strings.TrimSpace(stderr))
	}

	stdout, stderr, err = b.run(ctx, defaultTimeout, "update", collection)
	if err != nil {
		return fmt.Errorf("index update failed: %w (stdout: %s stderr: %s)",
			err, strings.TrimSpace(stdout), strings.TrimSpace(stderr))
	}
	return nil
}

func (b *CLIBackend) Search(ctx context.Context, collection, query string) (string, error) {
	stdout, stderr, err := b.run(ctx, defaultTimeout, "search", collection, "--query", query)
	if err != nil {
		return "", fmt.Errorf("index search failed: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (b *CLIBackend) EmbedBounded(ctx context.Context, collection string, maxDocs int, timeout time.Duration) (string, string, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	stdout, stderr, err := b.run(ctx, timeout,
		"embed", collection, "--max-docs", strconv.Itoa(maxDocs))
	if err != nil {
		return stdout, stderr, fmt.Errorf("index embed failed: %w", err)
	}
	return stdout, stderr, nil
}

func (b *CLIBackend) ProbeEmbedCapability(ctx context.Context) CapabilityProbe {
	if _, err := exec.LookPath(b.Bin); err != nil {
		return CapabilityProbe{Capability: CapabilityMissing, Note: "index-binary-missing"}
	}
	stdout, stderr, err := b.run(ctx, defaultTimeout, "embed", "--help")
	if err != nil {
		return CapabilityProbe{Capability: CapabilityMissing, Note: "embed-help-failed: " + err.Error()}
	}
	combined := strings.ToLower(stdout + "\n" + stderr)
	if strings.Contains(combined, "--max-docs") {
		return CapabilityProbe{Capability: CapabilityBounded, Note: "embed-help-detected-max-docs"}
	}
	return CapabilityProbe{Capability: CapabilityUnboundedOnly, Note: "embed-help-no-max-docs"}
}

// OutputIndicatesEmbedStatusFailed detects tools that exit 0 but report a
// failed status in their JSON output.
func OutputIndicatesEmbedStatusFailed(stdout, stderr string) bool {
	combined := strings.ToLower(stdout + "\n" + stderr)
	if strings.Contains(combined, `"status":"failed"`) ||
		strings.Contains(combined, `"status": "failed"`) ||
		strings.Contains(combined, `"ok":false`) ||
		strings.Contains(combined, `"ok": false`) {
		return true
	}
	root := gjson.Parse(stdout)
	if !root.IsObject() {
		return false
	}
	if strings.EqualFold(root.Get("status").String(), "failed") {
		return true
	}
	ok := root.Get("ok")
	return ok.Exists() && !ok.Bool()
}
