package cmd

import (
	goflag "flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"

	"coremask/internal/engine"
	"coremask/internal/topology"
)

type Options struct {
	ShowTopology bool
	ListMasks    bool
	JSON         bool

	Apply   bool
	Release bool
	Hold    bool
	PID     int
	Mask    string
	Nice    int
	SetNice bool

	Create      string
	CPUs        string
	Description string
	Delete      string
	Rebind      bool
	Regenerate  bool

	MaskFile          string
	ProfilesFile      string
	LegacyOnly        bool
	ReconcileInterval time.Duration

	// ParsedCPUs is filled in by Validate from CPUs.
	ParsedCPUs cpuset.CPUSet
}

var ErrInvalidArguments = errors.New("invalid arguments")

// DefaultConfigDir is $XDG_CONFIG_HOME/coremask, or ~/.config/coremask.
func DefaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.TempDir(), "coremask-config")
	}
	return filepath.Join(dir, "coremask")
}

// ParseFlags parses args (without the program name). klog's flags are
// registered on the same set.
func ParseFlags(args []string) (*Options, error) {
	opts := &Options{}
	fs := pflag.NewFlagSet("coremask", pflag.ContinueOnError)
	configDir := DefaultConfigDir()

	fs.BoolVar(&opts.ShowTopology, "topology", false, "Show CPU topology and exit")
	fs.BoolVar(&opts.ListMasks, "masks", false, "List core masks and exit")
	fs.BoolVar(&opts.JSON, "json", false, "Output in JSON format (with --topology or --masks)")

	fs.BoolVar(&opts.Apply, "apply", false, "Apply --mask to --pid (non-interactive)")
	fs.BoolVar(&opts.Release, "release", false, "Release --pid back to all CPUs")
	fs.BoolVar(&opts.Hold, "hold", false, "With --apply, keep running and revert on exit")
	fs.IntVar(&opts.PID, "pid", 0, "Target process ID")
	fs.StringVar(&opts.Mask, "mask", "", "Mask name or id")
	fs.IntVar(&opts.Nice, "nice", 0, "With --apply, also set the nice value (-20..19)")

	fs.StringVar(&opts.Create, "create", "", "Create a mask with this name")
	fs.StringVar(&opts.CPUs, "cpus", "", "CPU list for --create, e.g. 0-3,8")
	fs.StringVar(&opts.Description, "description", "", "Description for --create")
	fs.StringVar(&opts.Delete, "delete", "", "Delete the named mask")
	fs.BoolVar(&opts.Rebind, "rebind", false, "With --delete, move referencing profiles to the baseline mask")
	fs.BoolVar(&opts.Regenerate, "regenerate", false, "Add any missing topology-derived default masks")

	fs.StringVar(&opts.MaskFile, "mask-file", filepath.Join(configDir, "masks.json"), "Path of the mask file")
	fs.StringVar(&opts.ProfilesFile, "profiles-file", filepath.Join(configDir, "profiles.json"), "Path of the profile associations file")
	fs.BoolVar(&opts.LegacyOnly, "legacy-only", false, "Skip the per-thread handle path and use sched_setaffinity on the pid only")
	fs.DurationVar(&opts.ReconcileInterval, "reconcile-interval", engine.DefaultReconcileInterval, "How often exited processes are pruned while holding")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrInvalidArguments, "%v", err)
	}
	if fs.NArg() > 0 {
		return nil, errors.Wrapf(ErrInvalidArguments, "unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	opts.SetNice = fs.Changed("nice")
	return opts, nil
}

func (o *Options) actions() []string {
	var set []string
	for name, on := range map[string]bool{
		"--topology":   o.ShowTopology,
		"--masks":      o.ListMasks,
		"--apply":      o.Apply,
		"--release":    o.Release,
		"--create":     o.Create != "",
		"--delete":     o.Delete != "",
		"--regenerate": o.Regenerate,
	} {
		if on {
			set = append(set, name)
		}
	}
	return set
}

// Interactive reports whether no action flag was given.
func (o *Options) Interactive() bool {
	return len(o.actions()) == 0
}

func Validate(opts *Options, snap *topology.Snapshot) error {
	if opts == nil {
		return errors.Wrap(ErrInvalidArguments, "options are required")
	}

	if actions := opts.actions(); len(actions) > 1 {
		return fmt.Errorf("%w: only one action may be given, got %s", ErrInvalidArguments, strings.Join(sortedStrings(actions), ", "))
	}
	if opts.JSON && !opts.ShowTopology && !opts.ListMasks {
		return fmt.Errorf("%w: --json requires --topology or --masks", ErrInvalidArguments)
	}
	if opts.Hold && !opts.Apply {
		return fmt.Errorf("%w: --hold requires --apply", ErrInvalidArguments)
	}
	if opts.SetNice && !opts.Apply {
		return fmt.Errorf("%w: --nice requires --apply", ErrInvalidArguments)
	}
	if opts.Rebind && opts.Delete == "" {
		return fmt.Errorf("%w: --rebind requires --delete", ErrInvalidArguments)
	}
	if (opts.CPUs != "" || opts.Description != "") && opts.Create == "" {
		return fmt.Errorf("%w: --cpus and --description require --create", ErrInvalidArguments)
	}
	if opts.ReconcileInterval <= 0 {
		return fmt.Errorf("%w: --reconcile-interval must be positive", ErrInvalidArguments)
	}

	if opts.Apply || opts.Release {
		if opts.PID <= 0 {
			return fmt.Errorf("%w: --pid is required for --apply and --release", ErrInvalidArguments)
		}
	} else if opts.PID != 0 {
		return fmt.Errorf("%w: --pid requires --apply or --release", ErrInvalidArguments)
	}

	if opts.Apply && strings.TrimSpace(opts.Mask) == "" {
		return fmt.Errorf("%w: --mask is required for --apply", ErrInvalidArguments)
	}
	if !opts.Apply && opts.Mask != "" {
		return fmt.Errorf("%w: --mask requires --apply", ErrInvalidArguments)
	}
	if opts.SetNice && (opts.Nice < -20 || opts.Nice > 19) {
		return fmt.Errorf("%w: --nice must be between -20 and 19", ErrInvalidArguments)
	}

	if opts.Create != "" {
		if strings.TrimSpace(opts.CPUs) == "" {
			return fmt.Errorf("%w: --cpus is required for --create", ErrInvalidArguments)
		}
		cpus, err := cpuset.Parse(opts.CPUs)
		if err != nil {
			return fmt.Errorf("%w: invalid --cpus %q: %v", ErrInvalidArguments, opts.CPUs, err)
		}
		if cpus.IsEmpty() {
			return fmt.Errorf("%w: --cpus selects no CPUs", ErrInvalidArguments)
		}
		if limit := snap.LogicalCount(); limit > 0 {
			for _, cpu := range cpus.List() {
				if cpu >= limit {
					return fmt.Errorf("%w: cpu %d does not exist, only %d logical CPUs available",
						ErrInvalidArguments, cpu, limit)
				}
			}
		}
		opts.ParsedCPUs = cpus
	}

	return nil
}

func sortedStrings(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
