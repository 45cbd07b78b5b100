package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// VerifyResult contains the results of bundle verification.
type VerifyResult struct {
	Valid          bool
	Errors         []string
	Warnings       []string
	FilesChecked   int
	HashesVerified int
	HashMismatches []string
	MissingFiles   []string
	ExtraFiles     []string
}

// Verify checks that the bundle's files still match hashes.txt and that
// every file listed in the workflow summary exists and is non-empty.
func (b *Bundle) Verify() (*VerifyResult, error) {
	result := &VerifyResult{Valid: true}

	meta, err := b.ReadMeta()
	if err != nil {
		result.fail("invalid %s: %v", MetaFile, err)
	} else {
		if meta.WorkflowID == "" {
			result.Warnings = append(result.Warnings, MetaFile+": workflow_id is empty")
		}
		b.verifyTargetFiles(meta, result)
	}

	if _, err := os.Stat(filepath.Join(b.Path, HashesFile)); os.IsNotExist(err) {
		result.fail("missing %s", HashesFile)
	} else if err := b.verifyHashes(result); err != nil {
		result.fail("hash verification failed: %v", err)
	}

	files, err := b.Files()
	if err != nil {
		return nil, err
	}
	result.FilesChecked = len(files)
	return result, nil
}

func (r *VerifyResult) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (b *Bundle) verifyHashes(result *VerifyResult) error {
	stored, err := b.ReadHashes()
	if err != nil {
		return err
	}
	current, err := b.ComputeHashes()
	if err != nil {
		return err
	}

	for file, want := range stored {
		result.HashesVerified++
		got, ok := current[file]
		if !ok {
			result.MissingFiles = append(result.MissingFiles, file)
			result.fail("file in %s not found: %s", HashesFile, file)
			continue
		}
		if got != want {
			result.HashMismatches = append(result.HashMismatches, file)
			result.fail("hash mismatch for %s: expected %s, got %s", file, want, got)
		}
	}
	for file := range current {
		if _, ok := stored[file]; !ok {
			result.ExtraFiles = append(result.ExtraFiles, file)
			result.Warnings = append(result.Warnings, fmt.Sprintf("file not in %s: %s", HashesFile, file))
		}
	}
	sort.Strings(result.MissingFiles)
	sort.Strings(result.HashMismatches)
	sort.Strings(result.ExtraFiles)
	return nil
}

func (b *Bundle) verifyTargetFiles(meta *WorkflowMeta, result *VerifyResult) {
	for _, t := range meta.Targets {
		for _, rel := range t.Files {
			info, err := os.Stat(filepath.Join(b.Path, filepath.FromSlash(rel)))
			switch {
			case os.IsNotExist(err):
				result.MissingFiles = append(result.MissingFiles, rel)
				result.fail("%s: missing file %s", t.Host, rel)
			case err != nil:
				result.fail("%s: error checking %s: %v", t.Host, rel, err)
			case info.Size() == 0:
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: file %s is empty", t.Host, rel))
			}
		}
	}
}

// FormatResult returns a human-readable summary of verification results.
func (r *VerifyResult) FormatResult() string {
	var sb strings.Builder
	if r.Valid {
		sb.WriteString("Bundle verification: PASSED\n")
	} else {
		sb.WriteString("Bundle verification: FAILED\n")
	}
	fmt.Fprintf(&sb, "Files checked: %d\n", r.FilesChecked)
	fmt.Fprintf(&sb, "Hashes verified: %d\n", r.HashesVerified)

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "\n%s:\n", title)
		for _, item := range items {
			fmt.Fprintf(&sb, "  - %s\n", item)
		}
	}
	section("Errors", r.Errors)
	section("Warnings", r.Warnings)
	return sb.String()
}
