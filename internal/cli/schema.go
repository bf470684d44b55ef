// Package cli holds helpers shared by the docrag and docragd commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FlagSchema represents the JSON schema for a command flag.
type FlagSchema struct {
	Name        string `json:"name"`
	Shorthand   string `json:"shorthand,omitempty"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Inherited   bool   `json:"inherited,omitempty"`
}

// CommandSchema represents the JSON schema for a command.
type CommandSchema struct {
	Name        string          `json:"name"`
	Use         string          `json:"use,omitempty"`
	Description string          `json:"description,omitempty"`
	Long        string          `json:"long,omitempty"`
	Aliases     []string        `json:"aliases,omitempty"`
	Example     string          `json:"example,omitempty"`
	Runnable    bool            `json:"runnable"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

// GenerateSchema generates a JSON schema for a cobra command.
func GenerateSchema(cmd *cobra.Command) CommandSchema {
	schema := CommandSchema{
		Name:        cmd.Name(),
		Use:         cmd.Use,
		Description: cmd.Short,
		Long:        cmd.Long,
		Aliases:     cmd.Aliases,
		Example:     cmd.Example,
		Runnable:    cmd.Runnable(),
		Flags:       extractFlags(cmd),
	}

	for _, sub := range cmd.Commands() {
		if sub.Name() == "help" || sub.Hidden {
			continue
		}
		schema.Subcommands = append(schema.Subcommands, GenerateSchema(sub))
	}

	return schema
}

// extractFlags lists local flags first, then flags inherited from parents
// such as --api-url.
func extractFlags(cmd *cobra.Command) []FlagSchema {
	var flags []FlagSchema
	visit := func(inherited bool) func(*pflag.Flag) {
		return func(f *pflag.Flag) {
			if f.Hidden || f.Name == "help-json" || f.Name == "help" {
				return
			}
			fs := flagToSchema(f)
			fs.Inherited = inherited
			flags = append(flags, fs)
		}
	}
	cmd.LocalFlags().VisitAll(visit(false))
	cmd.InheritedFlags().VisitAll(visit(true))
	return flags
}

func flagToSchema(f *pflag.Flag) FlagSchema {
	_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
	return FlagSchema{
		Name:        f.Name,
		Shorthand:   f.Shorthand,
		Type:        f.Value.Type(),
		Default:     f.DefValue,
		Description: f.Usage,
		Required:    required,
	}
}

// WriteSchema writes the schema of cmd and its subcommands as indented JSON.
func WriteSchema(w io.Writer, cmd *cobra.Command) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(GenerateSchema(cmd))
}

// PrintSchema outputs the command schema as JSON and exits.
func PrintSchema(cmd *cobra.Command) {
	if err := WriteSchema(os.Stdout, cmd); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schema: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// AddHelpJSONFlag adds the --help-json flag to a command.
func AddHelpJSONFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().Bool("help-json", false, "Output command schema as JSON")
}

// CheckHelpJSON prints the schema of the command named before --help-json.
// It runs before Execute so argument validation does not reject the call.
func CheckHelpJSON(rootCmd *cobra.Command) {
	for i, arg := range os.Args {
		if arg == "--help-json" {
			PrintSchema(findTargetCommand(rootCmd, os.Args[1:i]))
		}
	}
}

// findTargetCommand walks subcommand names in args. Flags are skipped and the
// first positional that names no subcommand ends the walk.
func findTargetCommand(cmd *cobra.Command, args []string) *cobra.Command {
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		args = args[1:]
	}
	if len(args) == 0 {
		return cmd
	}
	for _, sub := range cmd.Commands() {
		if sub.Name() == args[0] || sub.HasAlias(args[0]) {
			return findTargetCommand(sub, args[1:])
		}
	}
	return cmd
}
