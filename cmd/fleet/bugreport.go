package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ship-commander/fleet/internal/redact"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit        = 3
	bugreportSessionLimit    = 5
	bugreportSessionTailSize = 64 << 10
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBugreportCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.logger.Logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), c.cfg.LogDir)
		},
	}
}

func runBugReport(ctx context.Context, out io.Writer, sessionLogDir string) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)
	if strings.TrimSpace(sessionLogDir) == "" {
		sessionLogDir = filepath.Join(homeDir, ".fleet", "sessions")
	}

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf(".fleet-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "fleet-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	report, err := collectBugreportArtifacts(ctx, homeDir, cwd, sessionLogDir, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp   string
	Version     string
	LogFiles    []string
	SessionLogs []string
	BatchID     string
	Warnings    []string
}

func collectBugreportArtifacts(
	ctx context.Context,
	homeDir string,
	cwd string,
	sessionLogDir string,
	stagingDir string,
) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	logFiles, warnings := copyNewestFiles(filepath.Join(homeDir, ".fleet", "logs"), filepath.Join(stagingDir, "logs"), bugreportLogLimit, nil)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	sessionLogs, warnings := copyNewestFiles(sessionLogDir, filepath.Join(stagingDir, "sessions"), bugreportSessionLimit, sanitizeSessionLog)
	summary.SessionLogs = sessionLogs
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.BatchID = extractLastBatchID(logFiles)
	if summary.BatchID == "" {
		summary.Warnings = append(summary.Warnings, "no batch_id found in copied logs")
	}

	if err := writeStagedFile(stagingDir, "last-batch.txt", fmt.Sprintf("batch_id: %s\n", summary.BatchID)); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "version.txt", fmt.Sprintf("fleet version: %s\n", strings.TrimSpace(summary.Version))); err != nil {
		return bugreportSummary{}, err
	}
	if err := copyRedactedConfig(filepath.Join(homeDir, ".fleet", "config.toml"), stagingDir, "config.toml", &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := copyRedactedConfig(filepath.Join(cwd, ".fleet", "config.toml"), stagingDir, "project-config.toml", &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "tmux-sessions.txt",
		runCommandForBugreport(ctx, "tmux", "list-sessions", "-F", "#{session_name} #{session_created} #{session_attached}")+"\n"); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeGitState(ctx, cwd, stagingDir); err != nil {
		return bugreportSummary{}, err
	}

	return summary, nil
}

// copyNewestFiles stages the limit most recently modified files of srcDir, passing each through transform when set.
func copyNewestFiles(srcDir, destDir string, limit int, transform func([]byte) []byte) ([]string, []string) {
	files, err := newestFiles(srcDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read %s: %v", srcDir, err)}
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create staging directory %s: %v", destDir, err)}
	}

	warnings := make([]string, 0)
	copiedPaths := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from enumerating a fleet-owned directory.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read %s: %v", file.path, readErr))
			continue
		}
		if transform != nil {
			data = transform(data)
		}
		dstPath := filepath.Join(destDir, filepath.Base(file.path))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage %s: %v", file.path, writeErr))
			continue
		}
		copiedPaths = append(copiedPaths, file.path)
	}
	return copiedPaths, warnings
}

// sanitizeSessionLog keeps the tail of a pane log with credentials masked.
func sanitizeSessionLog(data []byte) []byte {
	if len(data) > bugreportSessionTailSize {
		data = data[len(data)-bugreportSessionTailSize:]
	}
	return []byte(redact.Content(string(data), 2*bugreportSessionTailSize))
}

func extractLastBatchID(logPaths []string) string {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths are selected from ~/.fleet/logs.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			if batchID := asString(record["batch_id"]); batchID != "" {
				return batchID
			}
		}
	}
	return ""
}

func writeStagedFile(stagingDir, name, content string) error {
	if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func copyRedactedConfig(configPath, stagingDir, name string, summary *bugreportSummary) error {
	// #nosec G304 -- config paths are fixed fleet locations.
	configData, err := os.ReadFile(configPath)
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read %s: %v", configPath, err))
		configData = []byte("# config unavailable\n")
	}
	return writeStagedFile(stagingDir, name, redact.ConfigText(string(configData)))
}

func writeGitState(ctx context.Context, cwd, stagingDir string) error {
	head := runCommandForBugreport(ctx, "git", "-C", cwd, "rev-parse", "HEAD")
	branch := runCommandForBugreport(ctx, "git", "-C", cwd, "rev-parse", "--abbrev-ref", "HEAD")
	status := runCommandForBugreport(ctx, "git", "-C", cwd, "status", "--short")
	worktrees := runCommandForBugreport(ctx, "git", "-C", cwd, "worktree", "list", "--porcelain")

	content := strings.Join([]string{
		"[HEAD]",
		head,
		"",
		"[BRANCH]",
		branch,
		"",
		"[STATUS]",
		status,
		"",
		"[WORKTREES]",
		worktrees,
		"",
	}, "\n")
	return writeStagedFile(stagingDir, "git-state.txt", content)
}

func runCommandForBugreport(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("fleet Bug Report\n")
	builder.WriteString("================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("batch_id: %s\n\n", summary.BatchID))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString(fmt.Sprintf("- logs/ (up to last %d log files)\n", bugreportLogLimit))
	builder.WriteString(fmt.Sprintf("- sessions/ (up to last %d pane logs, credentials masked)\n", bugreportSessionLimit))
	builder.WriteString("- config.toml, project-config.toml (redacted)\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- last-batch.txt\n")
	builder.WriteString("- tmux-sessions.txt\n")
	builder.WriteString("- git-state.txt\n\n")
	builder.WriteString("Usage:\n")
	builder.WriteString("- Share this archive with maintainers for debugging.\n")
	builder.WriteString("- Use batch_id with `fleet history <batch-id>` to see the batch report.\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return writeStagedFile(stagingDir, "README.txt", builder.String())
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the current working directory with a fixed name.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer func() { _ = file.Close() }()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
