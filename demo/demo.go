// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Poly-encoder demo: trains a small poly-encoder on a synthetic retrieval
// task and evaluates the ranking accuracy. Hyperparameters can be set from
// the command line, e.g.:
//
//	go run ./demo --set="polyencoder_type=n_first;poly_n_codes=8" --checkpoint=~/tmp/polyencoder
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/polyencoder/ranker"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on held-out batches in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := ranker.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		ranker.TrainModel(ctx, *flagCheckpoint, paramsSet, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
