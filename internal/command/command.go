package command

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// Detector keys select the argument layout
const (
	DetectorKey         = "SPOTIFLOW_DETECTOR"
	AdvancedDetectorKey = "ADVANCED_SPOTIFLOW_DETECTOR"
)

// DefaultCommand is the tool module run by the default launcher
const DefaultCommand = "spotiflow.cli.predict"

// Settings keys
const (
	KeyImageFolder        = "IMAGE_FOLDER"
	KeyOutputFolder       = "OUTPUT_FOLDER"
	KeyTargetChannel      = "TARGET_CHANNEL"
	KeyPretrainedModel    = "SPOTIFLOW_PRETRAINED_MODEL"
	KeyCustomModelFolder  = "SPOTIFLOW_MODEL_FILEPATH"
	KeyPretrainedOrCustom = "PRETRAINED_OR_CUSTOM"
	KeyProbability        = "PROBABILITY_THRESHOLD"
	KeyMinDistance        = "MIN_DISTANCE"
	KeyEstimateFit        = "ESTIMATE_FIT_PARAMETERS"
	KeySubpixel           = "DO_SUBPIXEL_LOCALIZATION"
)

// PretrainedModels lists the models shipped with the tool
var PretrainedModels = []string{"fluo_live", "general", "hybiss", "synth_complex", "synth_3d", "smfish_3d"}

// Config models the command line of the detection tool. A Config may be
// shared by several task units; BuildFor serializes its use.
type Config struct {
	Detector string
	Command  string

	// Launcher is the argv prefix. Empty means "python -m <Command>",
	// wrapped in "conda run" when CondaEnv is set.
	Launcher []string
	CondaEnv string

	mu        sync.Mutex
	args      map[string]*Argument
	order     []string
	selection []string // mutually exclusive keys, picked by KeyPretrainedOrCustom
	selected  string
}

// NewBasic returns the plain detector configuration
func NewBasic(nChannels int) *Config {
	c := &Config{
		Detector: DetectorKey,
		Command:  DefaultCommand,
		args:     make(map[string]*Argument),
	}
	c.add(&Argument{Key: KeyImageFolder, Name: "Input image folder path", Kind: KindPath, Required: true})
	c.add(&Argument{Key: KeyOutputFolder, Name: "Output folder path", Flag: "--out-dir", Kind: KindPath, Required: true})
	// Shape parameters are always estimated so that radii can be derived.
	c.add(&Argument{Key: KeyEstimateFit, Name: "Estimate fit parameters", Flag: "--estimate-params", Kind: KindString, Default: "true", Value: "true", Required: true})
	c.add(&Argument{Key: KeyPretrainedModel, Name: "Pretrained model", Flag: "--pretrained-model", Kind: KindChoice, Choices: PretrainedModels, Default: "fluo_live"})
	c.add(&Argument{
		Key:     KeyTargetChannel,
		Name:    "Target channel",
		Kind:    KindInt,
		Default: "1",
		Min:     bound(1),
		Max:     bound(float64(max(nChannels, 1))),
		Skip:    true,
	})
	return c
}

// NewAdvanced returns the configuration exposing thresholds, custom models
// and fit options. pixelSize is used to express the minimum distance in pixels.
func NewAdvanced(nChannels int, units string, pixelSize float64) *Config {
	if pixelSize <= 0 {
		pixelSize = 1
	}
	c := NewBasic(nChannels)
	c.Detector = AdvancedDetectorKey

	c.add(&Argument{Key: KeyCustomModelFolder, Name: "Path to a custom model folder", Flag: "--model-dir", Kind: KindPath})
	c.selection = []string{KeyPretrainedModel, KeyCustomModelFolder}
	c.selected = KeyPretrainedModel

	c.add(&Argument{Key: KeyProbability, Name: "Probability threshold", Flag: "--probability-threshold", Kind: KindDouble, Default: "0.5", Min: bound(0), Max: bound(1)})
	c.add(&Argument{
		Key:     KeyMinDistance,
		Name:    "Min. distance",
		Flag:    "--min-distance",
		Kind:    KindDouble,
		Default: strconv.FormatFloat(2*pixelSize, 'g', -1, 64),
		Min:     bound(pixelSize),
		Units:   units,
		// The tool only accepts an integer number of pixels.
		Translate: func(v string) []string {
			d, _ := strconv.ParseFloat(v, 64)
			pix := 0
			if d > 0 {
				pix = int(d / pixelSize)
			}
			return []string{strconv.Itoa(pix)}
		},
	})

	// The estimate flag becomes user-facing.
	c.args[KeyEstimateFit] = &Argument{Key: KeyEstimateFit, Name: "Estimate radius", Flag: "--estimate-params", Kind: KindFlag, Default: "true", Translate: boolTranslator}
	c.add(&Argument{Key: KeySubpixel, Name: "Sub-pixel localization", Flag: "--subpix", Kind: KindFlag, Default: "true", Translate: boolTranslator})

	c.order = []string{
		KeyImageFolder,
		KeyPretrainedModel,
		KeyOutputFolder,
		KeyCustomModelFolder,
		KeyProbability,
		KeyTargetChannel,
		KeyMinDistance,
		KeyEstimateFit,
		KeySubpixel,
	}
	return c
}

// ForDetector builds the configuration matching a detector key
func ForDetector(key string, nChannels int, units string, pixelSize float64) (*Config, error) {
	switch key {
	case "", DetectorKey:
		return NewBasic(nChannels), nil
	case AdvancedDetectorKey:
		return NewAdvanced(nChannels, units, pixelSize), nil
	}
	return nil, fmt.Errorf("unknown detector %q", key)
}

func (c *Config) add(a *Argument) {
	c.args[a.Key] = a
	c.order = append(c.order, a.Key)
}

// Set assigns one setting by key
func (c *Config) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set(key, value)
}

func (c *Config) set(key, value string) error {
	if key == KeyPretrainedOrCustom {
		if !slices.Contains(c.selection, value) {
			return fmt.Errorf("setting %s: %q is not one of %v", key, value, c.selection)
		}
		c.selected = value
		return nil
	}
	a, ok := c.args[key]
	if !ok {
		return fmt.Errorf("unknown setting %q for %s", key, c.Detector)
	}
	a.Value = value
	return nil
}

// Apply loads a settings map, failing on the first unknown key
func (c *Config) Apply(settings map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := c.set(k, settings[k]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the current value of a setting
func (c *Config) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == KeyPretrainedOrCustom {
		return c.selected, len(c.selection) > 0
	}
	a, ok := c.args[key]
	if !ok {
		return "", false
	}
	return a.Current(), true
}

// TargetChannel returns the 1-based channel to analyze
func (c *Config) TargetChannel() int {
	v, _ := c.Get(KeyTargetChannel)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 1
	}
	return n
}

// Validate checks every argument
func (c *Config) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validate()
}

// ValidateSettings checks every argument except the input and output
// folders, which are only known once a task unit has its working directory.
func (c *Config) ValidateSettings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validate(KeyImageFolder, KeyOutputFolder)
}

func (c *Config) validate(skip ...string) error {
	for _, key := range c.order {
		if !c.active(key) || slices.Contains(skip, key) {
			continue
		}
		if err := c.args[key].Validate(); err != nil {
			return err
		}
	}
	if c.selected == KeyCustomModelFolder && c.args[KeyCustomModelFolder].Current() == "" {
		return fmt.Errorf("a custom model folder must be set when %s is %s", KeyPretrainedOrCustom, KeyCustomModelFolder)
	}
	return nil
}

// active excludes the unselected side of the model selection
func (c *Config) active(key string) bool {
	return !slices.Contains(c.selection, key) || key == c.selected
}

// Executable returns the argv prefix used to launch the tool
func (c *Config) Executable() []string {
	if len(c.Launcher) > 0 {
		return slices.Clone(c.Launcher)
	}
	cmd := []string{"python", "-m", c.Command}
	if c.CondaEnv != "" {
		return append([]string{"conda", "run", "--no-capture-output", "-n", c.CondaEnv}, cmd...)
	}
	return cmd
}

// Build validates the configuration and renders the full argv
func (c *Config) Build() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.build()
}

func (c *Config) build() ([]string, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	argv := c.Executable()
	for _, key := range c.order {
		if c.active(key) {
			argv = append(argv, c.args[key].Tokens()...)
		}
	}
	return argv, nil
}

// BuildFor points the input and output folders at dir and renders the argv,
// holding the lock across both steps.
func (c *Config) BuildFor(dir string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.args[KeyImageFolder].Value = dir
	c.args[KeyOutputFolder].Value = dir
	return c.build()
}
