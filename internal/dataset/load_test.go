package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func TestLoadDataSynthetic(t *testing.T) {
	data, err := LoadData(context.Background(), "synthetic", 16, nil, Options{Seed: 5})
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if data.TrainShape[0] != syntheticTrain || data.TrainShape[1] != syntheticFeatures {
		t.Fatalf("train shape = %v", data.TrainShape)
	}
	if data.ValidateShape[0] != syntheticValidate || data.LabelShape[0] != syntheticTrain {
		t.Fatalf("validate shape = %v labels = %v", data.ValidateShape, data.LabelShape)
	}
	if data.ClassNum != syntheticClasses {
		t.Fatalf("classes = %d", data.ClassNum)
	}
	b, err := data.Train.Next(context.Background())
	if err != nil || b.Len() != 16 {
		t.Fatalf("Next = %d, %v", b.Len(), err)
	}
}

func TestLoadDataClassFilter(t *testing.T) {
	data, err := LoadData(context.Background(), "synthetic", 8, []int{1, 3}, Options{Seed: 5})
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if data.ClassNum != 2 {
		t.Fatalf("classes = %d, want 2", data.ClassNum)
	}
	if data.TrainShape[0] != syntheticTrain/2 {
		t.Fatalf("train samples = %d", data.TrainShape[0])
	}
	b, _ := data.Train.Next(context.Background())
	for _, l := range b.Labels {
		if l != 0 && l != 1 {
			t.Fatalf("label %d not remapped", l)
		}
	}
}

func TestLoadDataShards(t *testing.T) {
	dir := t.TempDir()
	for _, split := range []string{"train", "validate"} {
		pairs := map[string]filePair{}
		for i := 0; i < 6; i++ {
			pairs[fmt.Sprintf("%s%03d", split, i)] = filePair{ext: ".vec", payload: []byte(fmt.Sprintf("%d,1,2", i)), label: i % 3}
		}
		writeShard(t, filepath.Join(dir, split), "shard-000000.tar", buildShard(pairs))
	}
	data, err := LoadData(context.Background(), "shards:"+dir, 2, nil, Options{Seed: 1, NumWorkers: 2})
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if data.TrainShape[0] != 6 || data.TrainShape[1] != 3 || data.ClassNum != 3 {
		t.Fatalf("shape = %v classes = %d", data.TrainShape, data.ClassNum)
	}
}

func TestLoadDataUnknown(t *testing.T) {
	if _, err := LoadData(context.Background(), "imagenet", 8, nil, Options{}); err == nil {
		t.Fatal("expected error for unknown dataset")
	}
}
