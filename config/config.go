// Package config reads /etc/ykfde.yaml.
//
// The file has a "general" section and one optional section per token
// serial. Values in a serial section override the general ones:
//
//	general:
//	  device-name: cryptroot
//	  yk-slot: 2
//	"1234567":
//	  luks-slot: 1
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoKeyslot means no luks-slot is configured for the token serial.
	ErrNoKeyslot = errors.New("no LUKS keyslot configured for token")
	// ErrNoDevice means general.device-name is missing.
	ErrNoDevice = errors.New("no LUKS device configured")
)

const (
	generalSection = "general"
	envPrefix      = "YKFDE"
)

// Section is one block of the configuration file. Pointer fields tell an
// unset value from a zero one.
type Section struct {
	DeviceName   string `mapstructure:"device-name" yaml:"device-name,omitempty"`
	YKSlot       *int   `mapstructure:"yk-slot" yaml:"yk-slot,omitempty"`
	LUKSSlot     *int   `mapstructure:"luks-slot" yaml:"luks-slot,omitempty"`
	SecondFactor *bool  `mapstructure:"second-factor" yaml:"second-factor,omitempty"`
}

type Config struct {
	General Section
	Serials map[uint32]Section
	// Path is the file that was read, empty when none was found.
	Path string
}

// Target is the configuration that applies to one token.
type Target struct {
	Serial       uint32
	DeviceName   string
	YKSlot       token.Slot
	LUKSSlot     int
	HasLUKSSlot  bool
	SecondFactor bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for _, key := range []string{"device-name", "yk-slot", "second-factor"} {
		full := generalSection + "." + key
		_ = v.BindEnv(full, envName(full))
	}
	return v
}

func envName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return envPrefix + "_" + strings.ToUpper(r.Replace(key))
}

// Load reads path. A missing file yields an empty configuration, only
// environment overrides apply then.
func Load(path string, logger types.Logger) (*Config, error) {
	v := newViper()
	cfg := &Config{Serials: map[uint32]Section{}}

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		switch {
		case err == nil:
			cfg.Path = path
		case errors.Is(err, os.ErrNotExist) || isNotFound(err):
			logger.Logger.Debug().Str("file", path).Msg("No configuration file, using defaults")
		default:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	for key, raw := range v.AllSettings() {
		var s Section
		if err := decode(raw, &s); err != nil {
			return nil, fmt.Errorf("section %q: %w", key, err)
		}
		if key == generalSection {
			cfg.General = s
			continue
		}
		serial, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			logger.Logger.Warn().Str("section", key).Msg("Ignoring section that is not a token serial")
			continue
		}
		cfg.Serials[uint32(serial)] = s
	}

	return cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

func decode(input interface{}, out *Section) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return d.Decode(input)
}

// ForSerial resolves the settings for one token.
func (c *Config) ForSerial(serial uint32) Target {
	t := Target{Serial: serial, YKSlot: token.Slot2}

	apply := func(s Section) {
		if s.DeviceName != "" {
			t.DeviceName = s.DeviceName
		}
		if s.YKSlot != nil {
			t.YKSlot = token.SlotFromInt(*s.YKSlot)
		}
		if s.LUKSSlot != nil && *s.LUKSSlot >= 0 {
			t.LUKSSlot = *s.LUKSSlot
			t.HasLUKSSlot = true
		}
		if s.SecondFactor != nil {
			t.SecondFactor = *s.SecondFactor
		}
	}

	apply(c.General)
	if s, ok := c.Serials[serial]; ok {
		apply(s)
	}
	return t
}

// Validate checks that the target can be used for a rotation.
func (t Target) Validate() error {
	if t.DeviceName == "" {
		return ErrNoDevice
	}
	if !t.HasLUKSSlot {
		return fmt.Errorf("%w %d", ErrNoKeyslot, t.Serial)
	}
	return nil
}

// Stanza renders the section a user has to add for serial.
func Stanza(serial uint32, luksSlot int) (string, error) {
	out, err := yaml.Marshal(map[string]Section{
		strconv.FormatUint(uint64(serial), 10): {LUKSSlot: &luksSlot},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
