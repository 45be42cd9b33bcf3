// Command arcana is a local encrypted content store with semantic
// compression and tiered placement.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/quantum"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/seal"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// Globals are flags shared by every subcommand.
type Globals struct {
	Root      string `help:"Store root directory." default:"./quantum" env:"ARCANA_ROOT"`
	Keyring   string `help:"Keyring file for sealing blobs. Empty disables encryption." env:"ARCANA_KEYRING"`
	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json"`
}

var cli struct {
	Globals

	Store      StoreCmd      `cmd:"" help:"Store a value under a key."`
	Get        GetCmd        `cmd:"" help:"Retrieve a value."`
	Delete     DeleteCmd     `cmd:"" help:"Delete a key."`
	Optimize   OptimizeCmd   `cmd:"" help:"Run a full optimize sweep."`
	Stats      StatsCmd      `cmd:"" help:"Print compression analytics."`
	Report     ReportCmd     `cmd:"" help:"Print or export the full storage report."`
	Inspect    InspectCmd    `cmd:"" help:"Show the stored state of a key."`
	Verify     VerifyCmd     `cmd:"" help:"Cross-check the index against the blobs on disk."`
	Keygen     KeygenCmd     `cmd:"" help:"Create a new keyring."`
	RotateKeys RotateKeysCmd `cmd:"" name:"rotate-keys" help:"Rotate the active key and re-seal every entry."`
	Daemon     DaemonCmd     `cmd:"" help:"Run the sweep scheduler and the ops HTTP server."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("arcana"),
		kong.Description("Local encrypted content store with semantic compression and tiered placement."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	err = kctx.Run(&appContext{Globals: cli.Globals, logger: logger})
	kctx.FatalIfErrorf(err)
}

// appContext carries the parsed globals and the logger into command Run
// methods.
type appContext struct {
	Globals
	logger *slog.Logger
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays clean.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// openEngine builds an engine from the global flags.
func (app *appContext) openEngine(opts ...quantum.Option) (*quantum.Engine, error) {
	all := []quantum.Option{quantum.WithLogger(app.logger)}
	if app.Keyring != "" {
		if _, err := os.Stat(app.Keyring); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("keyring %s does not exist, create one with arcana keygen", app.Keyring)
			}
			return nil, fmt.Errorf("checking keyring: %w", err)
		}
		all = append(all, quantum.WithKeyProvider(seal.NewKeyringProvider(app.Keyring)))
	}
	all = append(all, opts...)
	return quantum.New(app.Root, all...)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// StoreCmd stores a value read from a file or stdin.
type StoreCmd struct {
	Key      string        `arg:"" help:"Key to store under."`
	Value    string        `arg:"" optional:"" help:"Value to store. Omit to read from --file or stdin."`
	File     string        `help:"Read the value from this file instead of stdin." type:"existingfile"`
	Priority string        `help:"Placement priority." default:"medium" enum:"low,medium,high,critical"`
	Tag      []string      `help:"Context tags guiding semantic compression."`
	TTL      time.Duration `help:"Expire the entry after this duration. Zero keeps it indefinitely."`
}

func (c *StoreCmd) Run(app *appContext) error {
	value, err := c.readValue()
	if err != nil {
		return err
	}

	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	opts := quantum.StoreOptions{
		Priority:    tier.Priority(c.Priority),
		ContextTags: c.Tag,
	}
	if c.TTL > 0 {
		expires := time.Now().Add(c.TTL)
		opts.ExpiresAt = &expires
	}

	result, err := eng.Store(context.Background(), c.Key, value, opts)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (c *StoreCmd) readValue() ([]byte, error) {
	switch {
	case c.Value != "":
		return []byte(c.Value), nil
	case c.File != "":
		data, err := os.ReadFile(c.File)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", c.File, err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
}

// GetCmd retrieves a value and writes it to stdout or a file.
type GetCmd struct {
	Key    string `arg:"" help:"Key to retrieve."`
	Output string `short:"o" help:"Write the value to this file instead of stdout."`
}

func (c *GetCmd) Run(app *appContext) error {
	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	value, found, err := eng.Retrieve(context.Background(), c.Key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %s not found", c.Key)
	}

	if c.Output == "" {
		if _, err := os.Stdout.Write(value); err != nil {
			return fmt.Errorf("writing stdout: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(c.Output, value, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", c.Output, err)
	}
	return nil
}

// DeleteCmd removes a key. Deleting an absent key is not an error.
type DeleteCmd struct {
	Key string `arg:"" help:"Key to delete."`
}

func (c *DeleteCmd) Run(app *appContext) error {
	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	return eng.Delete(context.Background(), c.Key)
}

// OptimizeCmd runs one full sweep and prints the result.
type OptimizeCmd struct{}

func (c *OptimizeCmd) Run(app *appContext) error {
	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.Optimize(context.Background())
	if err != nil {
		return err
	}
	return printJSON(result)
}

// StatsCmd prints compression analytics.
type StatsCmd struct{}

func (c *StatsCmd) Run(app *appContext) error {
	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := eng.Analytics(context.Background())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

// ReportCmd prints the full storage report, or exports it to a file.
type ReportCmd struct {
	Output string `short:"o" help:"Export the report to this file instead of stdout."`
}

func (c *ReportCmd) Run(app *appContext) error {
	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if c.Output != "" {
		return eng.ExportReport(context.Background(), c.Output)
	}

	report, err := eng.BuildReport(context.Background())
	if err != nil {
		return err
	}
	return printJSON(report)
}

// InspectCmd shows the stored state of one key.
type InspectCmd struct {
	Key string `arg:"" help:"Key to inspect."`
}

func (c *InspectCmd) Run(app *appContext) error {
	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	info, err := eng.Inspect(context.Background(), c.Key)
	if err != nil {
		return err
	}
	if !info.Exists {
		return fmt.Errorf("key %s not found", c.Key)
	}
	return printJSON(info)
}

// VerifyCmd cross-checks the index against the blobs on disk and exits
// non-zero when anything is off.
type VerifyCmd struct{}

func (c *VerifyCmd) Run(app *appContext) error {
	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.Verify(context.Background())
	if err != nil {
		return err
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Clean {
		return errors.New("verification found inconsistencies")
	}
	return nil
}

// KeygenCmd creates a fresh keyring at the --keyring path.
type KeygenCmd struct{}

func (c *KeygenCmd) Run(app *appContext) error {
	if app.Keyring == "" {
		return errors.New("set --keyring to the file to create")
	}

	material, err := seal.NewKeyringProvider(app.Keyring).Init(context.Background())
	if err != nil {
		return err
	}

	app.logger.Info("keyring created", "path", app.Keyring, "key_id", material.ID)
	return nil
}

// RotateKeysCmd rotates the active key and re-seals every encrypted entry.
type RotateKeysCmd struct{}

func (c *RotateKeysCmd) Run(app *appContext) error {
	if app.Keyring == "" {
		return errors.New("set --keyring to rotate keys")
	}

	eng, err := app.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := eng.RotateKeys(context.Background())
	if err != nil {
		return err
	}
	return printJSON(result)
}
