// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/IwenLeeO/lavse/pkg/core/tensors"
	"github.com/IwenLeeO/lavse/pkg/core/tensors/numpy"
	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/ml/context/checkpoints"
	"github.com/IwenLeeO/lavse/pkg/ml/similarity"
	"github.com/IwenLeeO/lavse/pkg/support/fsutil"
	"github.com/IwenLeeO/lavse/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// options shared by all commands.
type options struct {
	settings   string
	configPath string
	weights    string
	device     string
	seed       int64
}

// newRootCmd creates the root lavse command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "lavse",
		Short: "Image and caption similarity scoring",
		Long: "lavse scores every (image, caption) pair of encoded images and captions, and evaluates\n" +
			"the retrieval metrics of the resulting similarity matrix.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.settings, "set", "", commandline.ContextSettingsUsage(defaultContext()))
	flags.StringVar(&opts.configPath, "config", "",
		"YAML file with hyperparameters, applied before --set. Nested mappings are scopes.")
	flags.StringVar(&opts.weights, "weights", "", "NumPy .npz archive with the weights of the similarity variables.")
	flags.StringVar(&opts.device, "device", tensors.Host.String(), `Device where scores are computed, e.g. "cpu:0".`)
	flags.Int64Var(&opts.seed, "seed", 0,
		"Seed for the initialization of variables not given by --weights. If 0, it's taken from the clock.")
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	cmd.AddCommand(
		newScoreCmd(opts),
		newEvalCmd(opts),
		newParamsCmd(opts),
	)
	return cmd
}

// defaultContext returns a context with the default value of every hyperparameter.
func defaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(similarity.DefaultConfig(similarity.VariantCosine).Params())
	ctx.SetParam(context.ParamInitialSeed, int64(0))
	return ctx
}

// newContext creates the context configured by the command line flags.
func (o *options) newContext() (*context.Context, error) {
	ctx := defaultContext()
	var paramsSet []string
	if o.configPath != "" {
		fromFile, err := commandline.LoadYAMLSettings(ctx, o.configPath)
		if err != nil {
			return nil, err
		}
		paramsSet = append(paramsSet, fromFile...)
	}
	fromFlag, err := commandline.ParseContextSettings(ctx, o.settings)
	if err != nil {
		return nil, errors.WithMessage(err, "parsing --set")
	}
	paramsSet = append(paramsSet, fromFlag...)
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if o.seed != 0 {
		ctx.SetParam(context.ParamInitialSeed, o.seed)
	}

	device, err := tensors.ParseDevice(o.device)
	if err != nil {
		return nil, errors.WithMessage(err, "parsing --device")
	}
	ctx.SetDevice(device)

	if o.weights != "" {
		weightsPath, err := fsutil.ResolveInput(o.weights)
		if err != nil {
			return nil, err
		}
		loader, err := checkpoints.LoadNpz(weightsPath)
		if err != nil {
			return nil, err
		}
		ctx.SetLoader(loader)
	}
	return ctx, nil
}

// newSimilarity creates the context and the similarity configured by the command line flags.
func (o *options) newSimilarity() (*context.Context, *similarity.Similarity, error) {
	ctx, err := o.newContext()
	if err != nil {
		return nil, nil, err
	}
	sim, err := similarity.NewFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	if loader, ok := ctx.Loader().(*checkpoints.NpzLoader); ok {
		for _, key := range loader.Unused() {
			klog.Warningf("weight %q in %q not used by %s", key, o.weights, sim)
		}
	}
	klog.V(1).Infof("%s: %d parameters", sim, ctx.NumParameters())
	return ctx, sim, nil
}

// loadNpy reads a tensor from a NumPy file, described by name in the errors.
func loadNpy(name, filePath string) (*tensors.Tensor, error) {
	if filePath == "" {
		return nil, errors.Errorf("missing --%s", name)
	}
	filePath, err := fsutil.ResolveInput(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "--%s", name)
	}
	t, err := numpy.FromNpyFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading --%s", name)
	}
	return t, nil
}

// inputs of the scoring commands.
type inputs struct {
	images, captions, lengths string
}

func (in *inputs) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&in.images, "images", "", "NumPy file with the image regions [n_images, n_regions, D].")
	cmd.Flags().StringVar(&in.captions, "captions", "", "NumPy file with the caption tokens [n_captions, max_len, D].")
	cmd.Flags().StringVar(&in.lengths, "lengths", "",
		"NumPy file with the caption lengths [n_captions]. If not given, captions have no padding.")
}

// load reads the images, the captions and their lengths.
func (in *inputs) load() (images, captions *tensors.Tensor, lengths []int, err error) {
	if images, err = loadNpy("images", in.images); err != nil {
		return
	}
	if captions, err = loadNpy("captions", in.captions); err != nil {
		return
	}
	if in.lengths == "" {
		if captions.Rank() == 3 {
			lengths = make([]int, captions.Dim(0))
			for ii := range lengths {
				lengths[ii] = captions.Dim(1)
			}
		}
		return
	}
	var lengthsT *tensors.Tensor
	if lengthsT, err = loadNpy("lengths", in.lengths); err != nil {
		return
	}
	if lengthsT.Rank() != 1 {
		err = errors.Errorf("--lengths must be a vector, got shape %s", lengthsT.Shape())
		return
	}
	if lengths, err = lengthsT.ToInts(); err != nil {
		err = errors.WithMessage(err, "reading --lengths")
	}
	return
}

// scoreAll scores all pairs, with a progress bar if requested.
func scoreAll(sim *similarity.Similarity, in *inputs, shardSize, parallelism int, progress bool) (*tensors.Tensor, error) {
	images, captions, lengths, err := in.load()
	if err != nil {
		return nil, err
	}
	builder := sim.Sharded(images, captions, lengths)
	if shardSize > 0 {
		builder.ShardSize(shardSize)
	}
	if parallelism > 0 {
		builder.Parallelism(parallelism)
	}
	if progress && images.Rank() > 0 && captions.Rank() > 0 {
		numPairs := images.Dim(0) * captions.Dim(0)
		builder.WithProgress(commandline.ShardProgressBar(fmt.Sprintf("Scoring %s", sim.Variant().Name()), numPairs))
	}
	return builder.Done()
}
