package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jamesprial/vmctl/internal/app"
	"github.com/jamesprial/vmctl/internal/vm"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List VMs in the catalog, ordered by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withState(cmd.Context(), func(s *app.State) error {
				vms, err := s.Manager().ListVMs(cmd.Context())
				if err != nil {
					return err
				}
				if vms == nil {
					vms = []vm.VM{}
				}
				return printJSON(cmd.OutOrStdout(), vms)
			})
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withState(cmd.Context(), func(s *app.State) error {
				v, err := s.Manager().GetVM(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		req      vm.CreateRequest
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Define a new VM in the stopped state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			meta, err := vm.ParseMetadata(metadata)
			if err != nil {
				return err
			}
			req.Metadata = meta

			return opts.withState(cmd.Context(), func(s *app.State) error {
				created, err := s.Manager().CreateVM(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}

	f := cmd.Flags()
	f.IntVar(&req.Resources.VCPUs, "vcpus", 1, "virtual CPUs (1-64)")
	f.IntVar(&req.Resources.MemoryMB, "memory-mb", 1024, "memory in MiB (512-1048576)")
	f.IntVar(&req.Resources.DiskGB, "disk-gb", 10, "disk size in GiB")
	f.StringVar(&req.Owner, "owner", "", "owner recorded on the VM")
	f.StringVar(&req.Template, "template", "", "template name (accepted, not interpreted)")
	f.StringVar(&metadata, "metadata", "", "metadata as a JSON document")
	return cmd
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Start a stopped VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withState(cmd.Context(), func(s *app.State) error {
				if err := s.Manager().StartVM(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", args[0])
				return nil
			})
		},
	}
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a running VM",
		Long: `Stop a running VM. By default the guest is asked to shut down;
--force powers it off immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withState(cmd.Context(), func(s *app.State) error {
				if err := s.Manager().StopVM(cmd.Context(), args[0], force); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "power off instead of a graceful shutdown")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Remove a stopped VM from libvirt and the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withState(cmd.Context(), func(s *app.State) error {
				if err := s.Manager().DeleteVM(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
