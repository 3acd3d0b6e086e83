package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Reader   ReaderConfig   `yaml:"reader"`
	Read     ReadConfig     `yaml:"read"`
	Verify   VerifyConfig   `yaml:"verify"`
	Output   OutputConfig   `yaml:"output"`
	Emulator EmulatorConfig `yaml:"emulator"`
}

type ReaderConfig struct {
	Index          int           `yaml:"index"`
	Name           string        `yaml:"name"`
	Timeout        time.Duration `yaml:"timeout"`
	WaitForCard    time.Duration `yaml:"wait_for_card"`
	ExtendedLength bool          `yaml:"extended_length"`
	BlockSize      int           `yaml:"block_size"`
}

type ReadConfig struct {
	IncludeImages bool     `yaml:"include_images"`
	ExtraFiles    []string `yaml:"extra_files"`
}

type VerifyConfig struct {
	CSCAFile string `yaml:"csca_file"`
}

type OutputConfig struct {
	PhotoFile string `yaml:"photo_file"`
	JSON      bool   `yaml:"json"`
}

// EmulatorConfig personalises the emulated chip used instead of a reader.
type EmulatorConfig struct {
	Enabled      bool     `yaml:"enabled"`
	MRZ          []string `yaml:"mrz"`
	FullName     string   `yaml:"full_name"`
	PlaceOfBirth string   `yaml:"place_of_birth"`
	DateOfBirth  string   `yaml:"date_of_birth"` // YYYY-MM-DD
	FaceFile     string   `yaml:"face_file"`
	Denied       []string `yaml:"denied"`
}

// Default returns the configuration used without a config file.
func Default() *Config {
	return &Config{Reader: ReaderConfig{Timeout: 10 * time.Second}}
}

// Load reads the YAML file at path over the defaults. Unknown keys are
// rejected and relative file paths resolve against the file's directory.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Reader.Index < 0 {
		return fmt.Errorf("config.reader.index must be >= 0")
	}
	if c.Reader.Timeout < 0 {
		return fmt.Errorf("config.reader.timeout must be >= 0")
	}
	if c.Reader.WaitForCard < 0 {
		return fmt.Errorf("config.reader.wait_for_card must be >= 0")
	}
	if c.Reader.BlockSize < 0 || c.Reader.BlockSize > 0xFFFF {
		return fmt.Errorf("config.reader.block_size must be 0..65535")
	}
	if _, err := c.ExtraFiles(); err != nil {
		return err
	}
	if c.Verify.CSCAFile != "" {
		if err := validateReadableFile(c.Verify.CSCAFile, "config.verify.csca_file"); err != nil {
			return err
		}
	}
	if c.Emulator.Enabled {
		return c.validateEmulator()
	}
	return nil
}

func (c *Config) validateEmulator() error {
	if len(c.Emulator.MRZ) == 0 {
		return fmt.Errorf("config.emulator.mrz is required when the emulator is enabled")
	}
	if _, err := lds.ParseMRZ(strings.Join(c.Emulator.MRZ, "")); err != nil {
		return fmt.Errorf("config.emulator.mrz: %w", err)
	}
	if c.Emulator.DateOfBirth != "" {
		if _, err := time.Parse(time.DateOnly, c.Emulator.DateOfBirth); err != nil {
			return fmt.Errorf("config.emulator.date_of_birth must be YYYY-MM-DD: %w", err)
		}
	}
	if c.Emulator.FaceFile != "" {
		if err := validateReadableFile(c.Emulator.FaceFile, "config.emulator.face_file"); err != nil {
			return err
		}
	}
	if _, err := parseFileIDs(c.Emulator.Denied, "config.emulator.denied"); err != nil {
		return err
	}
	return nil
}

// ExtraFiles returns read.extra_files as file identifiers.
func (c *Config) ExtraFiles() ([]lds.FileID, error) {
	return parseFileIDs(c.Read.ExtraFiles, "config.read.extra_files")
}

// DeniedFiles returns emulator.denied as file identifiers.
func (c *Config) DeniedFiles() ([]lds.FileID, error) {
	return parseFileIDs(c.Emulator.Denied, "config.emulator.denied")
}

func parseFileIDs(names []string, field string) ([]lds.FileID, error) {
	ids := make([]lds.FileID, 0, len(names))
	for i, name := range names {
		id, ok := lds.ParseFileID(name)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: unknown file %q", field, i, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Verify.CSCAFile = resolvePath(configDir, c.Verify.CSCAFile)
	c.Output.PhotoFile = resolvePath(configDir, c.Output.PhotoFile)
	c.Emulator.FaceFile = resolvePath(configDir, c.Emulator.FaceFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
