package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/zerotier/ZeroTierOne-sub058/types"
)

var (
	flagRootSetName     string
	flagRootSetURL      string
	flagRootSetRevision uint64
	flagMemberEndpoints []string
	flagMemberPriority  uint8
)

var rootSetCmd = &cobra.Command{
	Use:   "rootset",
	Short: "Create, sign and inspect root sets",
}

var rootSetNewCmd = &cobra.Command{
	Use:   "new <file>",
	Short: "Create an empty root set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRootSetName == "" {
			return fmt.Errorf("a root set needs a --name")
		}
		return writeRootSet(args[0], types.NewRootSet(flagRootSetName, flagRootSetURL, flagRootSetRevision))
	},
}

var rootSetAddMemberCmd = &cobra.Command{
	Use:   "add-member <file> <identity file>",
	Short: "Add or replace a member, clearing all signatures",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := readRootSet(args[0])
		if err != nil {
			return err
		}
		id, err := readIdentity(args[1])
		if err != nil {
			return err
		}
		if err := id.Validate(); err != nil {
			return err
		}
		var eps []types.Endpoint
		for _, s := range flagMemberEndpoints {
			ep, err := types.ParseEndpoint(s)
			if err != nil {
				return err
			}
			eps = append(eps, ep)
		}
		rs.AddMember(id, eps, flagMemberPriority)
		return writeRootSet(args[0], rs)
	},
}

var rootSetSignCmd = &cobra.Command{
	Use:   "sign <file> <secret identity file>",
	Short: "Sign a root set as one of its members",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := readRootSet(args[0])
		if err != nil {
			return err
		}
		id, err := readIdentity(args[1])
		if err != nil {
			return err
		}
		if err := rs.Sign(id); err != nil {
			return err
		}
		return writeRootSet(args[0], rs)
	},
}

var rootSetShowCmd = &cobra.Command{
	Use:   "show <file>...",
	Short: "Print root sets and whether they verify",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sets, err := readRootSets(args)
		for _, rs := range sets {
			printRootSet(cmd, rs)
		}
		return err
	},
}

func init() {
	rootSetNewCmd.Flags().StringVar(&flagRootSetName, "name", "", "root set name")
	rootSetNewCmd.Flags().StringVar(&flagRootSetURL, "url", "", "where updates to the set are published")
	rootSetNewCmd.Flags().Uint64Var(&flagRootSetRevision, "revision", 1, "root set revision")
	rootSetAddMemberCmd.Flags().StringSliceVar(&flagMemberEndpoints, "endpoint", nil, "member endpoint, e.g. udp/192.0.2.1:9993 (repeatable)")
	rootSetAddMemberCmd.Flags().Uint8Var(&flagMemberPriority, "priority", 0, "member priority")
	rootSetCmd.AddCommand(rootSetNewCmd, rootSetAddMemberCmd, rootSetSignCmd, rootSetShowCmd)
	rootCmd.AddCommand(rootSetCmd)
}

func printRootSet(cmd *cobra.Command, rs *types.RootSet) {
	out := cmd.OutOrStdout()
	status := "verified"
	if err := rs.Verify(); err != nil {
		status = err.Error()
	}
	fmt.Fprintf(out, "%s revision %d: %s\n", rs.Name, rs.Revision, status)
	if rs.URL != "" {
		fmt.Fprintf(out, "  url %s\n", rs.URL)
	}
	for _, m := range rs.Members {
		fmt.Fprintf(out, "  %s priority %d signed %t\n", m.Identity.Address(), m.Priority, len(m.Signature) > 0)
		for _, ep := range m.Endpoints {
			fmt.Fprintf(out, "    %s\n", ep)
		}
	}
}

func readRootSet(path string) (*types.RootSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read root set: %w", err)
	}
	rs, err := types.UnmarshalRootSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// readRootSets reads every file it can, returning the sets read and an error for each that failed.
func readRootSets(paths []string) ([]*types.RootSet, error) {
	var sets []*types.RootSet
	var result *multierror.Error
	for _, path := range paths {
		rs, err := readRootSet(path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		sets = append(sets, rs)
	}
	return sets, result.ErrorOrNil()
}

func writeRootSet(path string, rs *types.RootSet) error {
	data, err := rs.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("could not write root set: %w", err)
	}
	return nil
}
