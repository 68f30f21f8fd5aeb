package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(settingCmd)
	settingCmd.AddCommand(settingGetCmd)
	settingCmd.AddCommand(settingSetCmd)
}

var settingCmd = &cobra.Command{
	Use:   "setting",
	Short: "Read and write user settings",
}

var settingGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a setting as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		raw := eng.LoadSetting(ctx, args[0], nil)
		if raw == nil {
			fmt.Printf("%s is not set\n", args[0])
			return nil
		}
		fmt.Println(string(raw))
		return nil
	},
}

var settingSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a setting",
	Long: "Set a setting. The value is parsed as JSON when possible (true, 42, \"text\", {...});\n" +
		"anything else is stored as a plain string.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.SaveSetting(ctx, args[0], parseSettingValue(args[1])); err != nil {
			return err
		}
		fmt.Printf("Set %s = %s\n", args[0], args[1])
		return nil
	},
}

// parseSettingValue returns raw JSON when value is valid JSON, otherwise the
// plain string.
func parseSettingValue(value string) any {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	return value
}
