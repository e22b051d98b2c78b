package isolation

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/snowmerak/asmprobe/lib/assembly"
)

// WorkerConfig is everything a worker needs, passed on its command line.
type WorkerConfig struct {
	Root         string
	AppName      string
	MaxImageSize int64
	LogLevel     string
	Policy       Policy
}

// BindFlags registers the worker flags on fs, storing into cfg.
func BindFlags(fs *pflag.FlagSet, cfg *WorkerConfig) {
	fs.StringVar(&cfg.Root, "root", "", "directory assemblies are resolved against")
	fs.StringVar(&cfg.AppName, "app-name", "", "name reported in the ready signal and logs")
	fs.Int64Var(&cfg.MaxImageSize, "max-image-size", assembly.DefaultMaxImageSize, "largest file read, in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level for stderr (trace, debug, info, warn, error, disabled)")

	fs.StringArrayVar(&cfg.Policy.SearchPaths, "search-path", nil, "extra directory probed after the root (repeatable)")
	fs.BoolVar(&cfg.Policy.DisallowApplicationBaseProbing, "disallow-app-base-probing", false, "do not probe the root")
	fs.BoolVar(&cfg.Policy.AllowBindingRedirects, "allow-binding-redirects", false, "honor bindingRedirects from the probe configuration")
	fs.BoolVar(&cfg.Policy.AllowPublisherPolicy, "allow-publisher-policy", false, "honor publisherPolicy from the probe configuration")
	fs.BoolVar(&cfg.Policy.AllowCodeBase, "allow-code-base", false, "honor codeBases from the probe configuration")
	fs.BoolVar(&cfg.Policy.AllowSymlinks, "allow-symlinks", false, "follow symbolic links while probing")
}

// ParseWorkerArgs parses a worker command line.
func ParseWorkerArgs(args []string) (WorkerConfig, error) {
	var cfg WorkerConfig
	fs := pflag.NewFlagSet("asmprobe-worker", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return WorkerConfig{}, fmt.Errorf("failed to parse worker flags: %w", err)
	}
	if cfg.Root == "" {
		return WorkerConfig{}, fmt.Errorf("--root is required")
	}
	return cfg, nil
}

// Args renders cfg as a command line ParseWorkerArgs accepts.
func (c WorkerConfig) Args() []string {
	args := []string{
		"--root", c.Root,
		"--app-name", c.AppName,
		"--max-image-size", strconv.FormatInt(c.MaxImageSize, 10),
		"--log-level", c.LogLevel,
	}
	for _, p := range c.Policy.SearchPaths {
		args = append(args, "--search-path", p)
	}

	flags := []struct {
		name string
		set  bool
	}{
		{"--disallow-app-base-probing", c.Policy.DisallowApplicationBaseProbing},
		{"--allow-binding-redirects", c.Policy.AllowBindingRedirects},
		{"--allow-publisher-policy", c.Policy.AllowPublisherPolicy},
		{"--allow-code-base", c.Policy.AllowCodeBase},
		{"--allow-symlinks", c.Policy.AllowSymlinks},
	}
	for _, f := range flags {
		if f.set {
			args = append(args, f.name)
		}
	}
	return args
}
