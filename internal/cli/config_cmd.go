package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/afero"

	"deghost/internal/config"
	"deghost/internal/magick"
)

const version = "v0.1.0-dev"

func (r *Root) configShow(out io.Writer) error {
	cfgPath := os.Getenv("DEGHOST_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/deghost/config.json"
	}
	fmt.Fprintf(out, "Config file: %s\n\n", cfgPath)
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func (r *Root) configInit(out io.Writer, override string, force bool) error {
	path, err := config.Path(override)
	if err != nil {
		return err
	}
	exists, err := afero.Exists(r.fs, path)
	if err != nil {
		return err
	}
	if exists && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Write(r.fs, path, config.Default()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}

func (r *Root) cmdVersion(out io.Writer) error {
	fmt.Fprintf(out, "deghost %s\n", version)
	fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())
	fmt.Fprintf(out, "ImageMagick: %s\n", magick.Version())
	return nil
}
