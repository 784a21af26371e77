// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/IwenLeeO/lavse/pkg/core/shapes"
	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/nn"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Similarity wraps a Variant with a uniform scoring interface and sharded evaluation.
type Similarity struct {
	variant Variant
	cfg     Config
	logger  klog.Logger
}

// New validates cfg and creates the similarity with the selected variant, whose parameters are created (or
// loaded) in ctx. Errors wrap nn.ErrInvalidConfiguration.
func New(ctx *context.Context, cfg Config) (*Similarity, error) {
	variant, err := NewVariant(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Similarity{variant: variant, cfg: cfg, logger: ctx.Logger()}
	s.logger.V(1).Info("created similarity", "name", cfg.Name.String(), "variant", variant.String(),
		"device", ctx.Device().String())
	return s, nil
}

// NewFromContext creates the similarity configured by the hyperparameters of ctx, see ConfigFromContext.
func NewFromContext(ctx *context.Context) (*Similarity, error) {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// Variant used to score.
func (s *Similarity) Variant() Variant { return s.variant }

// Config used to create the similarity.
func (s *Similarity) Config() Config { return s.cfg }

// String implements fmt.Stringer.
func (s *Similarity) String() string {
	return fmt.Sprintf("Similarity(%s)", s.variant)
}

// Score returns the similarity `[n_images, n_captions]` of all pairs, see Variant.Score.
func (s *Similarity) Score(images, captions *tensors.Tensor, lengths []int) (sims *tensors.Tensor, err error) {
	s.logger.V(3).Info("similarity score", "images", images.Shape().String(), "captions", captions.Shape().String())
	var scoreErr error
	err = exceptions.TryCatch[error](func() {
		sims, scoreErr = s.variant.Score(images, captions, lengths)
	})
	if err == nil {
		err = scoreErr
	}
	if err != nil {
		return nil, err
	}
	return sims, nil
}

// ScoreSharded is equivalent to Score, but computes the result in tiles of at most shardSize images by
// shardSize captions, bounding the memory used by the variant's intermediate values.
func (s *Similarity) ScoreSharded(images, captions *tensors.Tensor, lengths []int, shardSize int) (*tensors.Tensor, error) {
	return s.Sharded(images, captions, lengths).ShardSize(shardSize).Done()
}

// ShardedBuilder configures a sharded evaluation, see Similarity.Sharded.
type ShardedBuilder struct {
	s                      *Similarity
	images, captions       *tensors.Tensor
	lengths                []int
	shardSize, parallelism int
	progress               func(done, total int)
}

// Sharded prepares the scoring of all pairs of images and captions in tiles: both axes are partitioned into
// contiguous ranges of at most ShardSize items, and each (images range, captions range) tile is scored
// independently and written into its block of the result.
//
// The shard size and the parallelism default to the values in the Config. Call Done to run it.
func (s *Similarity) Sharded(images, captions *tensors.Tensor, lengths []int) *ShardedBuilder {
	return &ShardedBuilder{
		s:           s,
		images:      images,
		captions:    captions,
		lengths:     lengths,
		shardSize:   s.cfg.ShardSize,
		parallelism: s.cfg.Parallelism,
	}
}

// ShardSize sets the maximum number of images and of captions per tile. It must be positive.
func (b *ShardedBuilder) ShardSize(shardSize int) *ShardedBuilder {
	b.shardSize = shardSize
	return b
}

// Parallelism sets the number of tiles scored concurrently. It must be positive.
// Tiles write to disjoint blocks of the result, so the result doesn't depend on it.
func (b *ShardedBuilder) Parallelism(parallelism int) *ShardedBuilder {
	b.parallelism = parallelism
	return b
}

// WithProgress sets a function called after each tile is scored, with the number of tiles done so far and the
// total. Calls are serialized.
func (b *ShardedBuilder) WithProgress(fn func(done, total int)) *ShardedBuilder {
	b.progress = fn
	return b
}

// shard is the range of images and captions of one tile.
type shard struct {
	imagesStart, imagesEnd     int
	captionsStart, captionsEnd int
}

// Done scores all tiles and returns the full similarity matrix `[n_images, n_captions]`.
// The first error of any tile is returned, and the remaining tiles are skipped.
func (b *ShardedBuilder) Done() (*tensors.Tensor, error) {
	if b.shardSize <= 0 {
		return nil, errors.Wrapf(nn.ErrInvalidConfiguration, "shard_size must be positive, got %d", b.shardSize)
	}
	if b.parallelism <= 0 {
		return nil, errors.Wrapf(nn.ErrInvalidConfiguration, "parallelism must be positive, got %d", b.parallelism)
	}
	if b.images.Rank() == 0 || b.captions.Rank() == 0 {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "sharded scoring of images %s and captions %s",
			b.images.Shape(), b.captions.Shape())
	}
	numImages, numCaptions := b.images.Dim(0), b.captions.Dim(0)
	if b.lengths != nil && len(b.lengths) != numCaptions {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch, "got %d lengths for %d captions", len(b.lengths), numCaptions)
	}
	if numImages == 0 || numCaptions == 0 {
		// No tile is scored, but the inputs must still be valid.
		if err := b.s.checkInputs(b.images, b.captions, b.lengths); err != nil {
			return nil, err
		}
		return tensors.Zeros(numImages, numCaptions), nil
	}

	var shards []shard
	for imagesStart := 0; imagesStart < numImages; imagesStart += b.shardSize {
		for captionsStart := 0; captionsStart < numCaptions; captionsStart += b.shardSize {
			shards = append(shards, shard{
				imagesStart:   imagesStart,
				imagesEnd:     min(imagesStart+b.shardSize, numImages),
				captionsStart: captionsStart,
				captionsEnd:   min(captionsStart+b.shardSize, numCaptions),
			})
		}
	}
	total := len(shards)
	logger := b.s.logger
	logger.V(1).Info("sharded similarity", "images", numImages, "captions", numCaptions,
		"shard_size", b.shardSize, "shards", total, "parallelism", b.parallelism)

	result := tensors.Zeros(numImages, numCaptions)
	var (
		g       errgroup.Group
		failed  atomic.Bool
		muDone  sync.Mutex
		numDone int
	)
	g.SetLimit(b.parallelism)
	for _, sh := range shards {
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := b.scoreShard(sh, result); err != nil {
				failed.Store(true)
				return err
			}
			muDone.Lock()
			defer muDone.Unlock()
			numDone++
			logger.V(2).Info("shard done", "shard", numDone, "total", total,
				"images", fmt.Sprintf("[%d:%d]", sh.imagesStart, sh.imagesEnd),
				"captions", fmt.Sprintf("[%d:%d]", sh.captionsStart, sh.captionsEnd))
			if b.progress != nil {
				b.progress(numDone, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// scoreShard scores one tile and copies it to its block of result.
func (b *ShardedBuilder) scoreShard(sh shard, result *tensors.Tensor) error {
	var lengths []int
	if b.lengths != nil {
		lengths = b.lengths[sh.captionsStart:sh.captionsEnd]
	}
	images := b.images.Slice(sh.imagesStart, sh.imagesEnd)
	captions := b.captions.Slice(sh.captionsStart, sh.captionsEnd)
	sims, err := b.s.Score(images, captions, lengths)
	if err != nil {
		return errors.WithMessagef(err, "shard images[%d:%d] x captions[%d:%d]",
			sh.imagesStart, sh.imagesEnd, sh.captionsStart, sh.captionsEnd)
	}
	numImages, numCaptions := sh.imagesEnd-sh.imagesStart, sh.captionsEnd-sh.captionsStart
	if err := checkMatrix(sims, numImages, numCaptions); err != nil {
		return err
	}
	for r := range numImages {
		copy(result.Row(sh.imagesStart + r)[sh.captionsStart:sh.captionsEnd], sims.Row(r))
	}
	return nil
}

// checkInputs validates the shapes of the inputs of Score without scoring them: images and captions must
// be rank 3 (the cosine variant also takes pooled rank-2 embeddings) with the latent size as last axis.
func (s *Similarity) checkInputs(images, captions *tensors.Tensor, lengths []int) error {
	dim := s.cfg.LatentSize
	for _, input := range []struct {
		name string
		x    *tensors.Tensor
	}{{"images", images}, {"captions", captions}} {
		rank := input.x.Rank()
		if rank != 3 && (rank != 2 || s.cfg.Name != VariantCosine) {
			return errors.Wrapf(shapes.ErrShapeMismatch, "%s: %s must be shaped [n, length, %d], got %s",
				s.cfg.Name, input.name, dim, input.x.Shape())
		}
		if input.x.Dim(rank-1) != dim {
			return errors.Wrapf(shapes.ErrShapeMismatch, "%s: %s %s must have latent size %d as last axis",
				s.cfg.Name, input.name, input.x.Shape(), dim)
		}
	}
	if images.Rank() == 3 && images.Dim(0) > 0 && images.Dim(1) == 0 {
		return errors.Wrapf(nn.ErrDegenerateInput, "%s: images %s have no regions", s.cfg.Name, images.Shape())
	}
	if captions.Rank() == 3 {
		if err := nn.CheckLengths(lengths, captions.Dim(0), captions.Dim(1)); err != nil {
			return errors.WithMessagef(err, "%s: invalid caption lengths", s.cfg.Name)
		}
	}
	return nil
}
