package model

import "k8s.io/klog/v2"

// BuildInfo summarizes a freshly constructed model.
type BuildInfo struct {
	NumTags         int
	NumVariables    int
	NumParams       int
	TrainableParams int
	UsesDecoder     bool
	InitCheckpoint  string
}

// Observer receives construction-time events. Injecting it keeps the model
// core free of global logging side effects.
type Observer interface {
	ModelBuilt(info BuildInfo)
	VariableInitialized(name string, shape []int, fromCheckpoint bool)
	CheckpointVariableMissing(name string)
}

// DefaultObserver logs through klog: the build summary at the default level,
// per-variable detail at V(2).
func DefaultObserver() Observer { return klogObserver{} }

type klogObserver struct{}

func (klogObserver) ModelBuilt(info BuildInfo) {
	klog.Infof("Built tagger model: %d tags, %d variables (%d parameters, %d trainable), decoder=%t",
		info.NumTags, info.NumVariables, info.NumParams, info.TrainableParams, info.UsesDecoder)
	if info.InitCheckpoint != "" {
		klog.Infof("Warm-started from %s", info.InitCheckpoint)
	}
}

func (klogObserver) VariableInitialized(name string, shape []int, fromCheckpoint bool) {
	if fromCheckpoint {
		klog.V(2).Infof("  variable %s, shape %v, *INIT_FROM_CKPT*", name, shape)
	} else {
		klog.V(2).Infof("  variable %s, shape %v", name, shape)
	}
}

func (klogObserver) CheckpointVariableMissing(name string) {
	klog.Warningf("Variable %s not found in the initial checkpoint, keeping its random initialization", name)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ModelBuilt(BuildInfo)                    {}
func (NopObserver) VariableInitialized(string, []int, bool) {}
func (NopObserver) CheckpointVariableMissing(string)        {}
