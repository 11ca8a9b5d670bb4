package models

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrUnsupportedDimensionality = errors.New("unsupported image dimensionality")
	ErrInvalidRegion             = errors.New("invalid region")
	ErrInvalidChannel            = errors.New("invalid channel")
	ErrStaging                   = errors.New("staging failed")
	ErrExecution                 = errors.New("execution failed")
	ErrCanceled                  = errors.New("canceled")
)

// Frame is a single time-point 2D plane cut out of a stack
type Frame struct {
	Index int           // time index in the source stack
	Name  string        // join key between staged images and result artifacts
	Image *image.Gray16 // cropped to the detection region, origin at (0, 0)
}

// Width returns the frame width in pixels
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Spot represents one detection, in physical units
type Spot struct {
	X       float64 `json:"x" msgpack:"x"`
	Y       float64 `json:"y" msgpack:"y"`
	Z       float64 `json:"z" msgpack:"z"`
	T       float64 `json:"t" msgpack:"t"`
	Radius  float64 `json:"radius" msgpack:"radius"`
	Quality float64 `json:"quality" msgpack:"quality"`
	Frame   int     `json:"frame" msgpack:"frame"`
}

// Position returns the spatial coordinates of the spot
func (s Spot) Position() [3]float64 {
	return [3]float64{s.X, s.Y, s.Z}
}

// Calibration holds the physical size of a pixel along each spatial axis
// and the time between two frames.
type Calibration struct {
	PixelWidth    float64 `yaml:"pixel_width" json:"pixel_width"`
	PixelHeight   float64 `yaml:"pixel_height" json:"pixel_height"`
	VoxelDepth    float64 `yaml:"voxel_depth" json:"voxel_depth"`
	FrameInterval float64 `yaml:"frame_interval" json:"frame_interval"`
	Units         string  `yaml:"units" json:"units"`
}

// Spatial returns the per-axis scale as X, Y, Z
func (c Calibration) Spatial() [3]float64 {
	return [3]float64{c.PixelWidth, c.PixelHeight, c.VoxelDepth}
}

// Unit is the identity calibration
func Unit() Calibration {
	return Calibration{PixelWidth: 1, PixelHeight: 1, VoxelDepth: 1, FrameInterval: 1, Units: "pixel"}
}

// Region is an inclusive bounding box over X, Y and time.
type Region struct {
	Min  [2]int `yaml:"min" json:"min"`
	Max  [2]int `yaml:"max" json:"max"`
	TMin int    `yaml:"t_min" json:"t_min"`
	TMax int    `yaml:"t_max" json:"t_max"`
}

// FullRegion covers a whole stack of the given size
func FullRegion(width, height, timepoints int) Region {
	return Region{
		Min:  [2]int{0, 0},
		Max:  [2]int{width - 1, height - 1},
		TMin: 0,
		TMax: timepoints - 1,
	}
}

// Rect returns the spatial part of the region as an image rectangle
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Min[0], r.Min[1], r.Max[0]+1, r.Max[1]+1)
}

func (r Region) String() string {
	return fmt.Sprintf("x[%d,%d] y[%d,%d] t[%d,%d]", r.Min[0], r.Max[0], r.Min[1], r.Max[1], r.TMin, r.TMax)
}

// TaskState tracks a task unit through its lifecycle
type TaskState int

const (
	StateCreated TaskState = iota
	StateStaging
	StateRunning
	StateParsing
	StateDone
	StateFailed
	StateCanceled
)

func (s TaskState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStaging:
		return "staging"
	case StateRunning:
		return "running"
	case StateParsing:
		return "parsing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Terminal reports whether no further transition can happen
func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// TaskResult is the outcome of one task unit
type TaskResult struct {
	Unit   int
	State  TaskState
	Frames int
	Spots  int
	Dir    string
	Err    error
}

// RunResult is what a detection run hands to storage
type RunResult struct {
	ID             string      `json:"id" msgpack:"id"`
	Detector       string      `json:"detector" msgpack:"detector"`
	Command        string      `json:"command" msgpack:"command"`
	Region         Region      `json:"region" msgpack:"region"`
	Calibration    Calibration `json:"calibration" msgpack:"calibration"`
	ProcessingTime int64       `json:"processing_time_ms" msgpack:"processing_time_ms"`
	Spots          []Spot      `json:"spots" msgpack:"spots"`
}
