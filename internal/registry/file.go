package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hourglassbot/hourglass/internal/db"
)

// FileSource loads the instrument set from a YAML file instead of the
// database. Useful for local runs and fixtures:
//
//	instruments:
//	  - instId: BTC-USDT
//	    limit_percent: 99.0
//	blacklist:
//	  - MEME
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed limit store
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type limitsFile struct {
	Instruments []struct {
		InstID       string  `yaml:"instId"`
		LimitPercent float64 `yaml:"limit_percent"`
	} `yaml:"instruments"`
	Blacklist []string `yaml:"blacklist"`
}

func (f *FileSource) load() (*limitsFile, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read limits file %s: %w", f.path, err)
	}

	var parsed limitsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse limits file %s: %w", f.path, err)
	}
	return &parsed, nil
}

// GetInstrumentLimits implements LimitStore
func (f *FileSource) GetInstrumentLimits(ctx context.Context) ([]db.InstrumentLimit, error) {
	parsed, err := f.load()
	if err != nil {
		return nil, err
	}

	limits := make([]db.InstrumentLimit, 0, len(parsed.Instruments))
	for _, row := range parsed.Instruments {
		if row.InstID == "" || row.LimitPercent <= 0 {
			return nil, fmt.Errorf("limits file %s: invalid entry %+v", f.path, row)
		}
		limits = append(limits, db.InstrumentLimit{
			InstID:       row.InstID,
			LimitPercent: row.LimitPercent,
		})
	}
	return limits, nil
}

// GetBlacklist implements LimitStore
func (f *FileSource) GetBlacklist(ctx context.Context) ([]string, error) {
	parsed, err := f.load()
	if err != nil {
		return nil, err
	}
	return parsed.Blacklist, nil
}
