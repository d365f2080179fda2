// distrain trains an image classifier across multiple cooperating worker
// processes, one per accelerator device, on disjoint shards of the training
// data.
//
// Workers are normally started by an external launcher that injects the
// DISTRAIN_* coordination variables (see pkg/core/distributed). For local
// experiments, `-local N` instead runs N workers in-process over a loopback
// process group.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/ml/data"
	"github.com/skeleton-ml/distrain/pkg/ml/data/cifar"
	"github.com/skeleton-ml/distrain/pkg/ml/models"
	"github.com/skeleton-ml/distrain/pkg/ml/nn"
	"github.com/skeleton-ml/distrain/pkg/ml/train"
	"github.com/skeleton-ml/distrain/pkg/ml/train/optimizers"
	"github.com/skeleton-ml/distrain/ui/commandline"
	"github.com/skeleton-ml/distrain/ui/metricsink"
)

var (
	flagData    = flag.String("data", "cifar10", "dataset to train on: cifar10, cifar100 or synthetic")
	flagDataDir = flag.String("data_dir", "~/.cache/distrain", "directory holding downloaded datasets")
	flagBatch   = flag.Int("batch", 128, "per-worker batch size")
	flagEpochs  = flag.Int("epochs", 200, "number of epochs to train")

	flagRun    = flag.String("run", "", "human-readable run name, used in the run directory")
	flagRunDir = flag.String("run_dir", "runs", "base directory for per-run metric files")

	flagLogFile = flag.String("log_filename", "", "redirect logs to this file instead of stderr")
	flagDebug   = flag.Bool("debug", false, "enable verbose debug logging")

	flagLocalRank = flag.Int("local_rank", -1,
		"override DISTRAIN_LOCAL_RANK, the worker index within this machine")
	flagFromRank = flag.Int("from_rank", 0,
		"device-index offset of this machine, so machines own disjoint device ranges")
	flagLocal = flag.Int("local", 0,
		"if > 0, skip the launcher environment and run this many workers in-process")

	flagModel  = flag.String("model", "fnn", "model type: fnn or linear")
	flagHidden = flag.Int("hidden", 256, "hidden layer width of the fnn model")
	flagSeed   = flag.Int64("seed", 42, "model initialization seed, must match on all workers")

	flagReportEvery = flag.Int("report_every", 1, "report per-step metrics every N steps")
	flagMomentum    = flag.Float64("momentum", 0.9, "SGD momentum")
	flagWeightDecay = flag.Float64("weight_decay", 0.0001, "SGD weight decay")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagDebug {
		must.M(flag.Set("v", "2"))
	}
	if *flagLogFile != "" {
		must.M(flag.Set("logtostderr", "false"))
		must.M(flag.Set("log_file", *flagLogFile))
	}
	defer klog.Flush()

	ctx := context.Background()
	runDir := metricsink.RunDirName(*flagRunDir, *flagRun)

	if *flagLocal > 0 {
		runLocal(ctx, *flagLocal, runDir)
		return
	}

	if *flagLocalRank >= 0 {
		must.M(os.Setenv("DISTRAIN_LOCAL_RANK", strconv.Itoa(*flagLocalRank)))
	}
	group, err := distributed.Bootstrap(ctx, *flagFromRank)
	if err != nil {
		klog.Exitf("bootstrap failed: %+v", err)
	}
	defer func() { _ = group.Close() }()
	if err := runWorker(ctx, group, runDir); err != nil {
		klog.Exitf("training failed: %+v", err)
	}
}

// runLocal simulates a multi-worker launch inside one process, one goroutine
// per worker over a loopback group.
func runLocal(ctx context.Context, worldSize int, runDir string) {
	world, err := distributed.NewLoopbackWorld(worldSize, worldSize)
	if err != nil {
		klog.Exitf("bootstrap failed: %+v", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < worldSize; rank++ {
		group := world.Group(rank)
		g.Go(func() error {
			return errors.WithMessagef(runWorker(ctx, group, runDir), "worker rank %d", rank)
		})
	}
	if err := g.Wait(); err != nil {
		klog.Exitf("training failed: %+v", err)
	}
}

func runWorker(ctx context.Context, group distributed.Group, runDir string) error {
	identity := group.Identity()
	trainDS, validDS, numClasses, err := loadDatasets(ctx, group)
	if err != nil {
		return err
	}
	numFeatures := trainDS.(*data.InMemory).FeatureDim()

	var module nn.Module
	switch *flagModel {
	case "fnn":
		module = models.NewFNN(numFeatures, *flagHidden, numClasses, *flagSeed)
	case "linear":
		module = models.NewLinear(numFeatures, numClasses, *flagSeed)
	default:
		return errors.Errorf("unknown model type %q", *flagModel)
	}
	module = nn.Distribute(ctx, module, group)

	var sink train.Sink
	if identity.IsLeader() {
		sink, err = metricsink.NewJSONL(runDir)
		if err != nil {
			return err
		}
		klog.Infof("metrics: %s/metrics.jsonl", runDir)
	}
	reporter := train.NewReporter(identity, sink)
	defer func() { _ = reporter.Close() }()

	config := train.Config{
		BatchSize:   *flagBatch,
		EpochCount:  *flagEpochs,
		Momentum:    *flagMomentum,
		WeightDecay: *flagWeightDecay,
		Dataset:     *flagData,
		ReportEvery: *flagReportEvery,
	}
	optimizer := optimizers.NewSGD(0, config.Momentum, config.WeightDecay)
	trainer, err := train.NewTrainer(config, group, module, optimizer, nil, reporter)
	if err != nil {
		return err
	}
	loop := train.NewLoop(trainer)
	if identity.IsLeader() {
		commandline.AttachProgressBar(loop)
	}
	klog.Infof("training %s on %q: rank=%d/%d device=%d batch=%d epochs=%d",
		*flagModel, *flagData, identity.Rank, identity.WorldSize, identity.Device,
		config.BatchSize, config.EpochCount)
	return loop.RunEpochs(ctx, trainDS, validDS)
}

// loadDatasets builds this worker's sharded training dataset and the full,
// unsharded validation dataset.
func loadDatasets(ctx context.Context, group distributed.Group) (train.ShardedDataset, train.Dataset, int, error) {
	identity := group.Identity()
	name := *flagData

	switch name {
	case "synthetic":
		const numClasses = 10
		inputs, labels := data.Synthetic(4096, 64, numClasses, 0)
		validIn, validLabels := data.Synthetic(512, 64, numClasses, 1)
		trainDS := data.InMemoryDataset(name+"-train", inputs, labels).
			BatchSize(*flagBatch, true).Shuffle().ShardAcross(identity)
		validDS := data.InMemoryDataset(name+"-valid", validIn, validLabels).
			BatchSize(*flagBatch, false)
		return trainDS, validDS, numClasses, nil

	case "cifar10", "cifar100":
		numClasses, err := cifar.NumClasses(name)
		if err != nil {
			return nil, nil, 0, err
		}
		baseDir := replaceTildeInDir(*flagDataDir)
		// Only the leader downloads; the others wait so they don't race on
		// the same files.
		if identity.IsLeader() {
			if name == "cifar10" {
				err = cifar.DownloadCifar10(baseDir)
			} else {
				err = cifar.DownloadCifar100(baseDir)
			}
			if err != nil {
				return nil, nil, 0, err
			}
		}
		if err := group.Barrier(ctx, distributed.Tag{Kind: "dataset-ready", Epoch: -1, Step: -1}); err != nil {
			return nil, nil, 0, err
		}
		var images *cifar.Images
		if name == "cifar10" {
			images, err = cifar.LoadCifar10(baseDir)
		} else {
			images, err = cifar.LoadCifar100(baseDir)
		}
		if err != nil {
			return nil, nil, 0, err
		}
		trainPart, validPart := images.Split()
		trainDS := data.InMemoryDataset(name+"-train", trainPart.Inputs, trainPart.Labels).
			BatchSize(*flagBatch, true).Shuffle().ShardAcross(identity)
		validDS := data.InMemoryDataset(name+"-valid", validPart.Inputs, validPart.Labels).
			BatchSize(*flagBatch, false)
		return trainDS, validDS, numClasses, nil
	}
	return nil, nil, 0, errors.Errorf("unknown dataset %q", name)
}

// replaceTildeInDir expands a leading "~" to the user's home directory.
func replaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		klog.Warningf("cannot resolve home directory for %q: %v", dir, err)
		return dir
	}
	return fmt.Sprintf("%s%s", home, dir[1:])
}
