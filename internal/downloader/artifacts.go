package downloader

import (
	"context"
	"fmt"
	"os"

	"github.com/italolelis/artifactd/internal/integrity"
	"github.com/italolelis/artifactd/internal/logctx"
	"github.com/italolelis/artifactd/internal/transfer"
)

// DeleteArtifact removes the artifact directory with everything in it.
// Deleting an absent artifact succeeds. Quarantined copies are untouched.
func (d *Downloader) DeleteArtifact(ctx context.Context, artifactID string) error {
	if err := validateArtifactID(artifactID); err != nil {
		return err
	}

	if t := d.taskFor(artifactID); t != nil && !t.stop.Raised() {
		return ErrArtifactBusy
	}

	dir := d.artifactDir(artifactID)
	if err := os.RemoveAll(dir); err != nil {
		return &transfer.FileError{Operation: "remove", Path: dir, Err: err}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "artifact deleted", "artifact_id", artifactID)

	return nil
}

// VerifyArtifact re-checks a finished artifact against expected. The result
// of a mismatch is returned, not acted upon.
func (d *Downloader) VerifyArtifact(ctx context.Context, artifactID, expected string) (integrity.Result, error) {
	if err := validateArtifactID(artifactID); err != nil {
		return integrity.Result{}, err
	}

	var res integrity.Result

	_, err := d.telemetry.InstrumentVerification(ctx, func(ctx context.Context) (bool, error) {
		var err error

		res, err = d.verifier.Verify(ctx, d.finalPath(artifactID), expected)

		return res.Verified, err
	})
	if err != nil {
		return integrity.Result{}, fmt.Errorf("failed to verify %s: %w", artifactID, err)
	}

	return res, nil
}

// ComputeArtifactChecksum returns the SHA-256 of a finished artifact.
func (d *Downloader) ComputeArtifactChecksum(ctx context.Context, artifactID string) (string, error) {
	if err := validateArtifactID(artifactID); err != nil {
		return "", err
	}

	sum, err := d.verifier.ComputeChecksum(ctx, d.finalPath(artifactID))
	if err != nil {
		return "", fmt.Errorf("failed to compute checksum of %s: %w", artifactID, err)
	}

	return sum, nil
}

// ArtifactPath returns the path of the finished main file if it exists.
func (d *Downloader) ArtifactPath(artifactID string) (string, bool) {
	if validateArtifactID(artifactID) != nil {
		return "", false
	}

	path := d.finalPath(artifactID)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}

	return path, true
}

// PartialSize returns the length of the artifact's partial file, the offset
// the next Start resumes from.
func (d *Downloader) PartialSize(artifactID string) (int64, bool) {
	if validateArtifactID(artifactID) != nil {
		return 0, false
	}

	info, err := os.Stat(d.partialPath(artifactID))
	if err != nil || info.IsDir() {
		return 0, false
	}

	return info.Size(), true
}

// ModelsDir is the root holding one directory per artifact.
func (d *Downloader) ModelsDir() string {
	return d.cfg.ModelsDir
}
