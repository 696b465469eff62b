package regtest

import (
	"context"
	_ "crypto/sha256" // registers sha256 for go-digest
	"encoding/json"
	"errors"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
)

// qualifyDigest turns a pinned digest into a repository@digest reference
// built from the repository part of img. It returns "" when hash is empty.
func qualifyDigest(img, hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return "", nil
	}
	if !strings.Contains(hash, ":") {
		hash = string(digest.SHA256) + ":" + hash
	}
	dgst, err := digest.Parse(hash)
	if err != nil {
		return "", errConfig(err, "invalid image digest %q", hash)
	}

	named, err := reference.ParseNormalizedNamed(img)
	if err != nil {
		return "", errConfig(err, "invalid image reference %q", img)
	}
	canonical, err := reference.WithDigest(reference.TrimNamed(named), dgst)
	if err != nil {
		return "", errConfig(err, "invalid image digest %q", hash)
	}
	return reference.FamiliarString(canonical), nil
}

// sameDigestRef reports whether two repository@digest strings name the same
// content, ignoring docker.io/library normalization differences.
func sameDigestRef(a, b string) bool {
	ra, err := reference.ParseNormalizedNamed(a)
	if err != nil {
		return false
	}
	rb, err := reference.ParseNormalizedNamed(b)
	if err != nil {
		return false
	}
	ca, ok := ra.(reference.Canonical)
	if !ok {
		return false
	}
	cb, ok := rb.(reference.Canonical)
	if !ok {
		return false
	}
	return ca.Name() == cb.Name() && ca.Digest() == cb.Digest()
}

// isImageNotFound matches the create failure that triggers a pull. A pinned
// digest that is not in the local store fails the same way.
func isImageNotFound(err error) bool {
	if err == nil {
		return false
	}
	return cerrdefs.IsNotFound(err) || strings.Contains(err.Error(), "No such image")
}

// pullImage pulls b.image and, when a digest is pinned, verifies it.
func (b *Bitcoind) pullImage(ctx context.Context) error {
	b.log.Info().Str("image", b.image).Msg("image not found locally, pulling")

	reader, err := b.docker.ImagePull(ctx, b.image, image.PullOptions{})
	if err != nil {
		return errImagePull(b.image, err)
	}
	defer reader.Close()

	if err := b.processPullOutput(reader); err != nil {
		return errImagePull(b.image, err)
	}

	if b.digest != "" {
		return b.verifyDigest(ctx)
	}
	return nil
}

// processPullOutput drains the pull stream. The daemon reports failures
// in-band, so the stream must be read to the end.
func (b *Bitcoind) processPullOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	var lastStatus string

	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}

		// Skip repeated status lines (e.g. "Downloading" for every chunk)
		if msg.Progress == nil && msg.Status == lastStatus {
			continue
		}
		lastStatus = msg.Status

		ev := b.log.Debug().Str("status", msg.Status)
		if msg.ID != "" {
			ev = ev.Str("layer", msg.ID)
		}
		if msg.Progress != nil {
			ev = ev.Int64("current", msg.Progress.Current).Int64("total", msg.Progress.Total)
		}
		ev.Msg("pull progress")
	}
}

// verifyDigest checks the pinned digest against the repo digests the daemon
// recorded for the pulled image.
func (b *Bitcoind) verifyDigest(ctx context.Context) error {
	inspect, err := b.docker.ImageInspect(ctx, b.image)
	if err != nil {
		return errRuntime("inspect", "image "+b.image, err)
	}

	for _, rd := range inspect.RepoDigests {
		if sameDigestRef(rd, b.digest) {
			b.log.Info().Str("digest", b.digest).Msg("image digest verified")
			return nil
		}
	}

	b.log.Error().
		Str("expected", b.digest).
		Strs("found", inspect.RepoDigests).
		Msg("image digest mismatch")
	return errDigestMismatch(b.digest, inspect.RepoDigests)
}
