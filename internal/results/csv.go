package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/bdougie/spotflow/internal/models"
)

// ArtifactExt is the extension of the result files written by the tool
const ArtifactExt = ".csv"

// fwhmToSigma converts a Gaussian full width at half maximum to sigma
var fwhmToSigma = 2 * math.Sqrt(2*math.Ln2)

var nonDigits = regexp.MustCompile(`\D+`)

// ListArtifacts returns the result files in dir, sorted by name
func ListArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(strings.ToLower(entry.Name()), ArtifactExt) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// FrameIndexFromName extracts the frame index from an artifact name such
// as "img-t6.csv". The token after the first '-' holds the index; any
// non-digit character in it is dropped.
func FrameIndexFromName(name string) (int, error) {
	tokens := strings.Split(filepath.Base(name), "-")
	if len(tokens) < 2 {
		return 0, fmt.Errorf("no frame index in %q", name)
	}
	digits := nonDigits.ReplaceAllString(tokens[1], "")
	if digits == "" {
		return 0, fmt.Errorf("no frame index in %q", name)
	}
	return strconv.Atoi(digits)
}

// Radius derives a spot radius from a FWHM in pixels. 3D rows use a
// larger sigma-to-radius ratio.
func Radius(fwhm float64, threeD bool, pixelSize float64) float64 {
	dimRatio := math.Sqrt2
	if threeD {
		dimRatio = math.Sqrt(3)
	}
	return fwhm / fwhmToSigma * dimRatio * pixelSize
}

// DefaultRadius is used for rows without a FWHM column
func DefaultRadius(pixelSize float64) float64 {
	return 0.5 * pixelSize
}

// ReadCSV parses a result artifact into spots in physical units. On a
// malformed row it returns the spots read so far together with the error.
func ReadCSV(path string, cal [3]float64) ([]models.Spot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCSV(f, cal)
}

func parseCSV(r io.Reader, cal [3]float64) ([]models.Spot, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing header")
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"x", "y", "probability"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	zCol, threeD := cols["z"]
	fwhmCol, hasFWHM := cols["fwhm"]

	var spots []models.Spot
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return spots, nil
		}
		if err != nil {
			return spots, err
		}

		field := func(col int, name string) (float64, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
			if err != nil {
				return 0, fmt.Errorf("line %d: bad %s value %q", line, name, record[col])
			}
			return v, nil
		}

		x, err := field(cols["x"], "x")
		if err != nil {
			return spots, err
		}
		y, err := field(cols["y"], "y")
		if err != nil {
			return spots, err
		}
		quality, err := field(cols["probability"], "probability")
		if err != nil {
			return spots, err
		}
		var z float64
		if threeD {
			if z, err = field(zCol, "z"); err != nil {
				return spots, err
			}
		}

		radius := DefaultRadius(cal[0])
		if hasFWHM {
			fwhm, err := field(fwhmCol, "fwhm")
			if err != nil {
				return spots, err
			}
			radius = Radius(fwhm, threeD, cal[0])
		}

		spots = append(spots, models.Spot{
			X:       x * cal[0],
			Y:       y * cal[1],
			Z:       z * cal[2],
			Radius:  radius,
			Quality: quality,
		})
	}
}
