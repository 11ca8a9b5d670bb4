package command

import (
	"fmt"
	"slices"
	"sync"
	"testing"
)

func TestBasicBuildFor(t *testing.T) {
	c := NewBasic(2)
	argv, err := c.BuildFor("/tmp/unit0")
	if err != nil {
		t.Fatalf("BuildFor() error = %v", err)
	}
	want := []string{
		"python", "-m", DefaultCommand,
		"/tmp/unit0",
		"--out-dir", "/tmp/unit0",
		"--estimate-params", "true",
		"--pretrained-model", "fluo_live",
	}
	if !slices.Equal(argv, want) {
		t.Errorf("BuildFor() = %v\nwant %v", argv, want)
	}
}

func TestBasicRequiresFolders(t *testing.T) {
	c := NewBasic(1)
	if _, err := c.Build(); err == nil {
		t.Error("Build() without folders should fail")
	}
	if err := c.ValidateSettings(); err != nil {
		t.Errorf("ValidateSettings() error = %v", err)
	}
}

func TestAdvancedBuildFor(t *testing.T) {
	c := NewAdvanced(1, "µm", 0.5)
	if err := c.Set(KeyMinDistance, "1.6"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(KeySubpixel, "false"); err != nil {
		t.Fatal(err)
	}

	argv, err := c.BuildFor("/w")
	if err != nil {
		t.Fatalf("BuildFor() error = %v", err)
	}
	want := []string{
		"python", "-m", DefaultCommand,
		"/w",
		"--pretrained-model", "fluo_live",
		"--out-dir", "/w",
		"--probability-threshold", "0.5",
		"--min-distance", "3",
		"--estimate-params", "true",
		"--subpix", "false",
	}
	if !slices.Equal(argv, want) {
		t.Errorf("BuildFor() = %v\nwant %v", argv, want)
	}
}

func TestAdvancedDefaultMinDistance(t *testing.T) {
	c := NewAdvanced(1, "µm", 0.5)
	v, ok := c.Get(KeyMinDistance)
	if !ok || v != "1" {
		t.Errorf("Get(%s) = %q, %v; want 1", KeyMinDistance, v, ok)
	}
	argv, err := c.BuildFor("/w")
	if err != nil {
		t.Fatal(err)
	}
	i := slices.Index(argv, "--min-distance")
	if i < 0 || argv[i+1] != "2" {
		t.Errorf("min distance rendered as %v", argv)
	}
}

func TestCustomModelSelection(t *testing.T) {
	c := NewAdvanced(1, "pixel", 1)
	if err := c.Set(KeyPretrainedOrCustom, KeyCustomModelFolder); err != nil {
		t.Fatal(err)
	}
	if err := c.ValidateSettings(); err == nil {
		t.Fatal("ValidateSettings() should require a custom model folder")
	}

	if err := c.Set(KeyCustomModelFolder, "/models/mine"); err != nil {
		t.Fatal(err)
	}
	argv, err := c.BuildFor("/w")
	if err != nil {
		t.Fatalf("BuildFor() error = %v", err)
	}
	if slices.Contains(argv, "--pretrained-model") {
		t.Errorf("argv %v still names a pretrained model", argv)
	}
	i := slices.Index(argv, "--model-dir")
	if i < 0 || argv[i+1] != "/models/mine" {
		t.Errorf("argv %v lacks the custom model folder", argv)
	}

	if err := c.Set(KeyPretrainedOrCustom, "SOMETHING_ELSE"); err == nil {
		t.Error("Set() accepted an unknown model selection")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
	}{
		{"probability above range", map[string]string{KeyProbability: "1.5"}},
		{"probability not a number", map[string]string{KeyProbability: "high"}},
		{"channel above range", map[string]string{KeyTargetChannel: "3"}},
		{"channel not an integer", map[string]string{KeyTargetChannel: "1.5"}},
		{"min distance below one pixel", map[string]string{KeyMinDistance: "0.1"}},
		{"unknown model", map[string]string{KeyPretrainedModel: "nope"}},
		{"flag not a boolean", map[string]string{KeySubpixel: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewAdvanced(2, "µm", 0.5)
			if err := c.Apply(tt.settings); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if err := c.ValidateSettings(); err == nil {
				t.Error("ValidateSettings() error = nil")
			}
		})
	}
}

func TestApplyUnknownKey(t *testing.T) {
	c := NewBasic(1)
	if err := c.Apply(map[string]string{KeyProbability: "0.3"}); err == nil {
		t.Error("basic detector accepted an advanced setting")
	}
}

func TestForDetector(t *testing.T) {
	c, err := ForDetector(AdvancedDetectorKey, 1, "µm", 0.2)
	if err != nil || c.Detector != AdvancedDetectorKey {
		t.Errorf("ForDetector(advanced) = %v, %v", c, err)
	}
	c, err = ForDetector("", 1, "µm", 0.2)
	if err != nil || c.Detector != DetectorKey {
		t.Errorf("ForDetector(\"\") = %v, %v", c, err)
	}
	if _, err := ForDetector("OTHER", 1, "", 1); err == nil {
		t.Error("ForDetector accepted an unknown key")
	}
}

func TestExecutable(t *testing.T) {
	c := NewBasic(1)
	c.CondaEnv = "spotiflow"
	want := []string{"conda", "run", "--no-capture-output", "-n", "spotiflow", "python", "-m", DefaultCommand}
	if got := c.Executable(); !slices.Equal(got, want) {
		t.Errorf("Executable() = %v, want %v", got, want)
	}

	c.Launcher = []string{"/opt/bin/predict"}
	if got := c.Executable(); !slices.Equal(got, c.Launcher) {
		t.Errorf("Executable() = %v, want launcher", got)
	}
}

func TestTargetChannel(t *testing.T) {
	c := NewBasic(3)
	if c.TargetChannel() != 1 {
		t.Errorf("TargetChannel() = %d, want 1", c.TargetChannel())
	}
	if err := c.Set(KeyTargetChannel, "3"); err != nil {
		t.Fatal(err)
	}
	if c.TargetChannel() != 3 {
		t.Errorf("TargetChannel() = %d, want 3", c.TargetChannel())
	}
}

func TestBuildForConcurrent(t *testing.T) {
	c := NewBasic(1)
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir := fmt.Sprintf("/tmp/unit%d", i)
			argv, err := c.BuildFor(dir)
			if err != nil {
				errs <- err
				return
			}
			if argv[3] != dir || argv[5] != dir {
				errs <- fmt.Errorf("argv %v mixes folders, want %s", argv, dir)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
