package stt

import (
	"fmt"
	"os"
	"path/filepath"
)

// voskModelMarkers are files every vosk model directory carries, depending on
// its generation.
var voskModelMarkers = []string{
	filepath.Join("conf", "model.conf"),
	filepath.Join("am", "final.mdl"),
}

// checkVoskModel verifies that path looks like an unpacked vosk model.
func checkVoskModel(path string) error {
	if path == "" {
		return fmt.Errorf("invalid vosk model: stt.model_path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("invalid vosk model %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("invalid vosk model %s: not a directory", path)
	}
	for _, marker := range voskModelMarkers {
		if fi, err := os.Stat(filepath.Join(path, marker)); err == nil && fi.Mode().IsRegular() {
			return nil
		}
	}
	return fmt.Errorf("invalid vosk model %s: neither conf/model.conf nor am/final.mdl found", path)
}
