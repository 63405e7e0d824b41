package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"coremask/cmd"
	"coremask/internal/affinity"
	"coremask/internal/association"
	"coremask/internal/coremask"
	"coremask/internal/engine"
	"coremask/internal/procfs"
	"coremask/internal/topology"
	"coremask/internal/ui"
)

func main() {
	defer klog.Flush()

	opts, err := cmd.ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		exitWithError(err)
	}

	osFs := afero.NewOsFs()
	detector, err := topology.NewDetector(osFs)
	if err != nil {
		exitWithError(err)
	}
	topo := detector.Snapshot()

	if err := cmd.Validate(opts, topo); err != nil {
		exitWithError(err)
	}

	if opts.ShowTopology {
		if opts.JSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(topo); err != nil {
				exitWithError(err)
			}
			return
		}
		ui.PrintTopology(topo)
		return
	}

	eng := engine.New(engine.Config{
		MaskFile:          opts.MaskFile,
		UseCapabilityPath: !opts.LegacyOnly,
		ReconcileInterval: opts.ReconcileInterval,
	}, engine.Deps{
		Files:    osFs,
		Proc:     osFs,
		Topology: detector,
		System:   affinity.NewSystem(osFs),
		Profiles: association.NewFileStore(osFs, opts.ProfilesFile),
	})
	if err := eng.Start(); err != nil {
		// Masks are still usable in memory when the file cannot be written.
		if !errors.Is(err, coremask.ErrPersistence) {
			exitWithError(err)
		}
		klog.ErrorS(err, "mask file not saved", "path", opts.MaskFile)
	}

	if err := run(opts, eng); err != nil {
		exitWithError(err)
	}
}

func run(opts *cmd.Options, eng *engine.Engine) error {
	switch {
	case opts.ListMasks:
		masks := eng.Masks().Masks()
		if opts.JSON {
			data, err := coremask.EncodeMasks(masks)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		ui.PrintMasks(masks, eng.Tracker().MaskAssignments())
		return nil

	case opts.Apply:
		return runApply(opts, eng)

	case opts.Release:
		p, err := eng.Release(opts.PID)
		if err != nil {
			return err
		}
		ui.PrintReleased(p)
		return nil

	case opts.Create != "":
		bits := coremask.FromAffinityMask(opts.ParsedCPUs, eng.Topology().LogicalCount())
		m, err := eng.Masks().CreateMask(opts.Create, opts.Description, bits)
		if err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Created %q: %s", m.Name, coremask.FormatBits(m.Bits)))
		return nil

	case opts.Delete != "":
		if err := eng.DeleteMask(opts.Delete, opts.Rebind); err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Deleted %q", opts.Delete))
		return nil

	case opts.Regenerate:
		n, err := eng.Masks().CreateDefaultMasks()
		if err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Added %d default mask(s)", n))
		return nil
	}

	err := ui.Run(eng)
	if len(eng.Tracker().TrackedPIDs()) > 0 {
		ui.PrintShutdown(eng.Shutdown())
	}
	return err
}

func runApply(opts *cmd.Options, eng *engine.Engine) error {
	m, err := eng.ResolveMask(opts.Mask)
	if err != nil {
		return err
	}
	p, err := eng.ApplyMask(opts.PID, m.ID)
	if err != nil {
		return err
	}
	if opts.SetNice {
		if _, err := eng.SetPriority(opts.PID, opts.Nice); err != nil {
			if opts.Hold {
				ui.PrintShutdown(eng.Shutdown())
			}
			return err
		}
	}
	ui.PrintApplied(p, m)

	if !opts.Hold {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	klog.InfoS("holding until interrupted", "pid", opts.PID, "mask", m.Name)
	ui.PrintShutdown(eng.Run(ctx))
	return nil
}

func exitWithError(err error) {
	if err == nil {
		return
	}
	klog.Flush()

	switch {
	case errors.Is(err, cmd.ErrInvalidArguments):
		ui.PrintError(err)
		os.Exit(2)
	case errors.Is(err, affinity.ErrAccessDenied) ||
		errors.Is(err, procfs.ErrPermissionDenied) ||
		errors.Is(err, os.ErrPermission):
		ui.PrintError(fmt.Errorf("%v. Try running with sudo.", err))
		os.Exit(5)
	case errors.Is(err, affinity.ErrProcessNotFound) || errors.Is(err, coremask.ErrMaskNotFound):
		ui.PrintError(err)
		os.Exit(4)
	case errors.Is(err, topology.ErrTopologyUnavailable):
		ui.PrintError(errors.New("Cannot read CPU topology. Are you running on a Linux system?"))
		os.Exit(3)
	case errors.Is(err, coremask.ErrProtectedMask) ||
		errors.Is(err, coremask.ErrMaskInUse) ||
		errors.Is(err, engine.ErrMaskReferenced) ||
		errors.Is(err, coremask.ErrReservedName):
		ui.PrintError(err)
		os.Exit(6)
	default:
		ui.PrintError(err)
		os.Exit(1)
	}
}
