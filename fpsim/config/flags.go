// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"
)

// envPrefix is prepended to the upper-cased flag name, with dashes replaced
// by underscores, to form the environment variable name.
const envPrefix = "FPSIM_"

// configFlag names the TOML file to read.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path to a TOML file with settings. Flags given on the command line take precedence.")

	// Machine and workload.
	flagSet.Int("cores", 4, "number of emulated cores.")
	flagSet.Int("threads", 8, "number of threads to run.")
	flagSet.Int("fp-threads", 4, "number of threads that use FP/SIMD registers.")
	flagSet.Int("steps", 1000, "number of instructions each thread runs.")
	flagSet.Int("quantum", 10, "number of instructions per time slice.")
	flagSet.Int("syscall-every", 16, "FP threads make a system call every this many FP instructions. 0 disables it.")
	flagSet.Int("bank-limit", 0, "maximum number of saved FP register banks. 0 is unlimited.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	flagSet.String("metrics", "", "where to write metrics in Prometheus text format after a run: '-' for stdout, or a file path.")
}

// fieldsByFlag calls fn for every Config field with a flag tag.
func (c *Config) fieldsByFlag(fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}

func getFlag(flagSet *flag.FlagSet, name string) any {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl.Value.(flag.Getter).Get()
}

// NewFromFlags creates a new Config with values coming from command line
// flags, the --config file, and the environment.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.fieldsByFlag(func(name string, field reflect.Value) {
		field.Set(reflect.ValueOf(getFlag(flagSet, name)))
	})

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	// The environment is read once here; tests and callers may have
	// changed it since the last read.
	env.Load()

	// The file location is resolved before the file is read.
	if !set[configFlag] && env.Has(EnvName(configFlag)) {
		conf.ConfigFile = env.Str(EnvName(configFlag))
	}
	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := conf.loadEnv(); err != nil {
		return nil, err
	}

	// Flags given explicitly win over everything else.
	conf.fieldsByFlag(func(name string, field reflect.Value) {
		if set[name] {
			field.Set(reflect.ValueOf(getFlag(flagSet, name)))
		}
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile overlays the settings in a TOML file.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// EnvName returns the environment variable that overrides a flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// loadEnv overlays FPSIM_* environment variables, except the config file
// location, which NewFromFlags resolves first. Malformed values are errors.
func (c *Config) loadEnv() error {
	var err error
	c.fieldsByFlag(func(name string, field reflect.Value) {
		key := EnvName(name)
		if err != nil || name == configFlag || !env.Has(key) {
			return
		}
		val := env.Str(key)
		switch field.Kind() {
		case reflect.Int:
			i, perr := strconv.Atoi(val)
			if perr != nil {
				err = fmt.Errorf("%s=%q: not an integer", key, val)
				return
			}
			field.SetInt(int64(i))
		case reflect.Bool:
			switch {
			case env.True(val):
				field.SetBool(true)
			case env.False(val):
				field.SetBool(false)
			default:
				err = fmt.Errorf("%s=%q: not a boolean", key, val)
			}
		case reflect.String:
			field.SetString(val)
		default:
			panic("unknown type " + field.Kind().String())
		}
	})
	return err
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Defaults are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	c.fieldsByFlag(func(name string, field reflect.Value) {
		val := fmt.Sprint(field.Interface())
		if fl := flagSet.Lookup(name); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
		}
	})
	return rv
}
