package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/josephch/aamp-go/internal/config"
	"github.com/josephch/aamp-go/pkg/bytesize"
	"github.com/josephch/aamp-go/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Configuration can be set via:
  - A config file (./aamp.yaml, /etc/aamp/aamp.yaml)
  - Environment variables (AAMP_PLAYBACK_LIVE_OFFSET, AAMP_ABR_ENABLED, etc.)
  - Command-line flags, for the options root.go exposes directly.

Environment variables use the AAMP_ prefix and underscores for nesting.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and byte sizes
// for human readability, mirroring how the teacher's config dump renders
// its own mapstructure-tagged tree.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(fv)
		case bytesize.Size:
			result[key] = bytesize.Format(fv)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# aampcli configuration file")
	fmt.Println("# ==========================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides use the AAMP_ prefix, e.g.")
	fmt.Println("#   AAMP_PLAYBACK_LIVE_OFFSET, AAMP_ABR_DEFAULT_BITRATE")
	fmt.Println("#")
	fmt.Println()
	fmt.Print(string(yamlData))

	return nil
}
