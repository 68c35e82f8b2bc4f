package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"recon/internal/apperrors"
)

// callLog records stage invocations across fake stages.
type callLog struct {
	mu     sync.Mutex
	calls  []StageName
	inputs map[StageName]Input
}

func newCallLog() *callLog {
	return &callLog{inputs: make(map[StageName]Input)}
}

func (l *callLog) add(in Input, name StageName) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
	l.inputs[name] = in
}

func (l *callLog) Calls() []StageName {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StageName(nil), l.calls...)
}

// fakeStage writes a marker artifact into its output directory.
type fakeStage struct {
	name    StageName
	log     *callLog
	metrics map[string]int64
	outputs map[string]string
	fail    string // failure kind, empty for success
	panics  bool
	hook    func()
}

func (f *fakeStage) Name() StageName { return f.name }

func (f *fakeStage) Run(_ context.Context, in Input) StageResult {
	f.log.add(in, f.name)
	if f.hook != nil {
		f.hook()
	}
	if f.panics {
		panic("collaborator crashed")
	}
	if f.fail != "" {
		return Failure(f.name, f.fail, fmt.Errorf("%s collaborator failed", f.name))
	}

	artifact := filepath.Join(in.OutputDir, string(f.name)+".out")
	if err := os.WriteFile(artifact, []byte(in.Artifact), 0o644); err != nil {
		return Failure(f.name, apperrors.KindLibrary, err)
	}
	return Success(f.name, Artifact(artifact), f.metrics).WithOutputs(f.outputs)
}

func exportOutputs(dir string) map[string]string {
	outputs := make(map[string]string)
	for _, format := range []string{"obj", "stl", "ply", "gltf", "off"} {
		outputs[format] = filepath.Join(dir, "exports", "model."+format)
	}
	return outputs
}

// fakeStages returns succeeding stages for every slot.
func fakeStages(log *callLog, root string) (Stages, map[StageName]*fakeStage) {
	byName := map[StageName]*fakeStage{
		StagePreprocess: {name: StagePreprocess, log: log, metrics: map[string]int64{"num_images": 20}},
		StageSfM:        {name: StageSfM, log: log, metrics: map[string]int64{"num_points": 5000}},
		StageMVS:        {name: StageMVS, log: log},
		StageMesh:       {name: StageMesh, log: log, metrics: map[string]int64{"num_vertices": 12000, "num_triangles": 24000}},
		StageExport:     {name: StageExport, log: log, outputs: exportOutputs(root)},
	}
	return Stages{
		Preprocess: byName[StagePreprocess],
		SfM:        byName[StageSfM],
		MVS:        byName[StageMVS],
		Mesh:       byName[StageMesh],
		Export:     byName[StageExport],
	}, byName
}

func imageSet(dir string, n int) ImageSet {
	set := ImageSet{Dir: dir}
	for i := range n {
		set.Paths = append(set.Paths, filepath.Join(dir, fmt.Sprintf("img_%03d.jpg", i)))
	}
	return set
}

func testConfig(root string) RunConfig {
	cfg := DefaultRunConfig()
	cfg.OutputRoot = root
	return cfg
}

// fixedClock advances by step on every call.
func fixedClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

// recordingObserver captures observer callbacks as strings.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) RunStarted(_ context.Context, _ string, images ImageSet, _ RunConfig) {
	o.add(fmt.Sprintf("run.start:%d", images.Len()))
}

func (o *recordingObserver) StageStarted(_ context.Context, _ string, stage StageName) {
	o.add("stage.start:" + string(stage))
}

func (o *recordingObserver) StageFinished(_ context.Context, _ string, rec StageRecord) {
	status := "ok"
	if !rec.Result.OK() {
		status = rec.Result.Kind()
	}
	o.add("stage.finish:" + string(rec.Stage) + ":" + status)
}

func (o *recordingObserver) RunFinished(_ context.Context, report *RunReport) {
	o.add(fmt.Sprintf("run.finish:%t", report.Completed()))
}
