// Package profile holds the machine profile catalogue: the built-in GRBL,
// Marlin and Smoothieware templates plus any loaded from a YAML file.
package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ricochet1k/beamlink/internal/domain"
)

type Firmware string

const (
	FirmwareGRBL     Firmware = "grbl"
	FirmwareMarlin   Firmware = "marlin"
	FirmwareSmoothie Firmware = "smoothie"
)

// ParseFirmware accepts the lower-case family name or the display name.
func ParseFirmware(s string) (Firmware, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grbl":
		return FirmwareGRBL, nil
	case "marlin":
		return FirmwareMarlin, nil
	case "smoothie", "smoothieware":
		return FirmwareSmoothie, nil
	default:
		return "", domain.ValidationError("firmwareType", "unknown firmware %q", s)
	}
}

// DisplayName is the name reported in scan results.
func (f Firmware) DisplayName() string {
	switch f {
	case FirmwareGRBL:
		return "GRBL"
	case FirmwareMarlin:
		return "Marlin"
	case FirmwareSmoothie:
		return "Smoothieware"
	default:
		return string(f)
	}
}

// EmergencySequence is the kill command sent outside the job queue.
func (f Firmware) EmergencySequence() []byte {
	if f == FirmwareMarlin {
		return []byte("M112\n")
	}
	return []byte{0x18}
}

type Commands struct {
	Reset    string `yaml:"reset" json:"reset"`
	Unlock   string `yaml:"unlock" json:"unlock"`
	Home     string `yaml:"home" json:"home"`
	Status   string `yaml:"status" json:"status"`
	FeedHold string `yaml:"feedHold" json:"feedHold"`
	Resume   string `yaml:"resume" json:"resume"`
}

// Profile is an immutable machine template.
type Profile struct {
	Name              string   `yaml:"name" json:"name"`
	FirmwareType      Firmware `yaml:"firmwareType" json:"firmwareType"`
	BaudRate          int      `yaml:"baudRate" json:"baudRate"`
	DataBits          int      `yaml:"dataBits" json:"dataBits"`
	StopBits          int      `yaml:"stopBits" json:"stopBits"`
	Parity            string   `yaml:"parity" json:"parity"`
	LineEnding        string   `yaml:"lineEnding" json:"lineEnding"`
	Commands          Commands `yaml:"commands" json:"commands"`
	BufferSize        int      `yaml:"bufferSize" json:"bufferSize"`
	ResponseTimeoutMS int      `yaml:"responseTimeoutMs" json:"responseTimeout"`
}

func (p Profile) Validate() error {
	if p.Name == "" {
		return domain.ValidationError("name", "is required")
	}
	if _, err := ParseFirmware(string(p.FirmwareType)); err != nil {
		return err
	}
	if p.BaudRate <= 0 {
		return domain.ValidationError("baudRate", "must be positive for profile %q", p.Name)
	}
	return nil
}

// Builtin returns the default profiles.
func Builtin() []Profile {
	return []Profile{
		{
			Name:         "grbl",
			FirmwareType: FirmwareGRBL,
			BaudRate:     115200,
			DataBits:     8,
			StopBits:     1,
			Parity:       "none",
			LineEnding:   "\n",
			Commands: Commands{
				Reset:    "\x18",
				Unlock:   "$X",
				Home:     "$H",
				Status:   "?",
				FeedHold: "!",
				Resume:   "~",
			},
			BufferSize:        128,
			ResponseTimeoutMS: 5000,
		},
		{
			Name:         "marlin",
			FirmwareType: FirmwareMarlin,
			BaudRate:     250000,
			DataBits:     8,
			StopBits:     1,
			Parity:       "none",
			LineEnding:   "\n",
			Commands: Commands{
				Reset:    "M999",
				Unlock:   "M999",
				Home:     "G28",
				Status:   "M114",
				FeedHold: "M0",
				Resume:   "M108",
			},
			BufferSize:        4,
			ResponseTimeoutMS: 10000,
		},
		{
			Name:         "smoothie",
			FirmwareType: FirmwareSmoothie,
			BaudRate:     115200,
			DataBits:     8,
			StopBits:     1,
			Parity:       "none",
			LineEnding:   "\n",
			Commands: Commands{
				Reset:    "\x18",
				Unlock:   "$X",
				Home:     "$H",
				Status:   "?",
				FeedHold: "!",
				Resume:   "~",
			},
			BufferSize:        32,
			ResponseTimeoutMS: 5000,
		},
	}
}

// Catalog is the read-only set of profiles available for selection.
type Catalog struct {
	mu          sync.RWMutex
	profiles    map[string]Profile
	defaultName string
}

// NewCatalog starts from the built-ins. defaultName must name a profile once
// loading is done; an empty name means "grbl".
func NewCatalog(defaultName string) *Catalog {
	c := &Catalog{profiles: make(map[string]Profile), defaultName: defaultName}
	if c.defaultName == "" {
		c.defaultName = string(FirmwareGRBL)
	}
	for _, p := range Builtin() {
		c.profiles[p.Name] = p
	}
	return c
}

type fileFormat struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile adds or overrides profiles from a YAML file.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}
	return c.LoadYAML(data)
}

func (c *Catalog) LoadYAML(data []byte) error {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.ValidationError("profiles", "%v", err)
	}

	loaded := make([]Profile, 0, len(f.Profiles))
	var errs []error
	for _, p := range f.Profiles {
		fw, err := ParseFirmware(string(p.FirmwareType))
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %q: %w", p.Name, err))
			continue
		}
		p.FirmwareType = fw
		if p.LineEnding == "" {
			p.LineEnding = "\n"
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, p)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range loaded {
		c.profiles[p.Name] = p
	}
	return nil
}

func (c *Catalog) Get(name string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[name]
	return p, ok
}

// Default returns the configured default profile, falling back to GRBL.
func (c *Catalog) Default() Profile {
	if p, ok := c.Get(c.defaultName); ok {
		return p
	}
	p, _ := c.Get(string(FirmwareGRBL))
	return p
}

// List returns every profile sorted by name.
func (c *Catalog) List() []Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForFirmware returns the first profile (by name) of the given family.
func (c *Catalog) ForFirmware(f Firmware) (Profile, bool) {
	for _, p := range c.List() {
		if p.FirmwareType == f {
			return p, true
		}
	}
	return Profile{}, false
}
