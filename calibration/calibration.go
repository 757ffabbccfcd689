package calibration

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gige-streamer/pool"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedURL is returned for calibration URLs that are not local files
var ErrUnsupportedURL = errors.New("unsupported calibration url")

// CameraInfo is the calibration attached to every published image
type CameraInfo struct {
	Header          pool.Header `json:"header"`
	CameraName      string      `json:"camera_name"`
	Width           int         `json:"width"`
	Height          int         `json:"height"`
	DistortionModel string      `json:"distortion_model"`
	D               []float64   `json:"d"`
	K               [9]float64  `json:"k"`
	R               [9]float64  `json:"r"`
	P               [12]float64 `json:"p"`
}

// Clone returns a deep copy
func (c CameraInfo) Clone() CameraInfo {
	c.D = append([]float64(nil), c.D...)
	return c
}

type matrix struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data"`
}

// file mirrors the camera_info YAML layout written by common calibration tools
type file struct {
	ImageWidth             int    `yaml:"image_width"`
	ImageHeight            int    `yaml:"image_height"`
	CameraName             string `yaml:"camera_name"`
	CameraMatrix           matrix `yaml:"camera_matrix"`
	DistortionModel        string `yaml:"distortion_model"`
	DistortionCoefficients matrix `yaml:"distortion_coefficients"`
	RectificationMatrix    matrix `yaml:"rectification_matrix"`
	ProjectionMatrix       matrix `yaml:"projection_matrix"`
}

// Parse decodes a camera_info YAML document
func Parse(data []byte) (CameraInfo, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return CameraInfo{}, fmt.Errorf("failed to decode calibration: %w", err)
	}

	info := CameraInfo{
		CameraName:      f.CameraName,
		Width:           f.ImageWidth,
		Height:          f.ImageHeight,
		DistortionModel: f.DistortionModel,
		D:               f.DistortionCoefficients.Data,
	}

	if err := fill(info.K[:], f.CameraMatrix, "camera_matrix"); err != nil {
		return CameraInfo{}, err
	}
	if err := fill(info.R[:], f.RectificationMatrix, "rectification_matrix"); err != nil {
		return CameraInfo{}, err
	}
	if err := fill(info.P[:], f.ProjectionMatrix, "projection_matrix"); err != nil {
		return CameraInfo{}, err
	}

	return info, nil
}

// fill copies m into dst; an absent matrix leaves dst zeroed
func fill(dst []float64, m matrix, name string) error {
	if len(m.Data) == 0 {
		return nil
	}
	if len(m.Data) != len(dst) {
		return fmt.Errorf("%s has %d values, want %d", name, len(m.Data), len(dst))
	}
	copy(dst, m.Data)
	return nil
}

// Load reads a camera_info YAML file
func Load(path string) (CameraInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CameraInfo{}, err
	}
	return Parse(data)
}

// Marshal encodes info in the camera_info YAML layout
func Marshal(info CameraInfo) ([]byte, error) {
	f := file{
		ImageWidth:             info.Width,
		ImageHeight:            info.Height,
		CameraName:             info.CameraName,
		CameraMatrix:           matrix{Rows: 3, Cols: 3, Data: info.K[:]},
		DistortionModel:        info.DistortionModel,
		DistortionCoefficients: matrix{Rows: 1, Cols: len(info.D), Data: info.D},
		RectificationMatrix:    matrix{Rows: 3, Cols: 3, Data: info.R[:]},
		ProjectionMatrix:       matrix{Rows: 3, Cols: 4, Data: info.P[:]},
	}
	return yaml.Marshal(&f)
}

// ResolvePath turns a calibration url into a local file path. Plain paths
// and file:// urls are accepted.
func ResolvePath(url string) (string, error) {
	switch {
	case url == "":
		return "", fmt.Errorf("%w: empty", ErrUnsupportedURL)
	case strings.HasPrefix(url, "file://"):
		return strings.TrimPrefix(url, "file://"), nil
	case strings.Contains(url, "://"):
		return "", fmt.Errorf("%w: %s", ErrUnsupportedURL, url)
	default:
		return url, nil
	}
}
