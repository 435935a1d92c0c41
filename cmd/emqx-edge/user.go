// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/emqx-edge/pkg/config"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the users of the built-in authenticator",
}

var (
	userPassword  string
	userAlgorithm string
	userDisabled  bool
)

func init() {
	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateUsers(configPath, func(cfg *config.Config) error {
				return cfg.AddUser(args[0], userPassword, userAlgorithm, !userDisabled)
			}, cmd.OutOrStdout(), "User '%s' added\n", args[0])
		},
	}
	addCmd.Flags().StringVarP(&userPassword, "password", "p", "", "password of the user")
	addCmd.Flags().StringVarP(&userAlgorithm, "algorithm", "a", "bcrypt", "password hashing: plain, sha256, bcrypt")
	addCmd.Flags().BoolVar(&userDisabled, "disabled", false, "add the user disabled")
	_ = addCmd.MarkFlagRequired("password")

	userCmd.AddCommand(
		addCmd,
		&cobra.Command{
			Use:   "list",
			Short: "List users",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				listUsers(cmd.OutOrStdout(), cfg)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <username>",
			Short: "Remove a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return updateUsers(configPath, func(cfg *config.Config) error {
					return cfg.RemoveUser(args[0])
				}, cmd.OutOrStdout(), "User '%s' removed\n", args[0])
			},
		},
		&cobra.Command{
			Use:   "enable <username>",
			Short: "Enable a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return updateUsers(configPath, func(cfg *config.Config) error {
					return cfg.SetUserEnabled(args[0], true)
				}, cmd.OutOrStdout(), "User '%s' enabled\n", args[0])
			},
		},
		&cobra.Command{
			Use:   "disable <username>",
			Short: "Disable a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return updateUsers(configPath, func(cfg *config.Config) error {
					return cfg.SetUserEnabled(args[0], false)
				}, cmd.OutOrStdout(), "User '%s' disabled\n", args[0])
			},
		},
	)

	generateCmd := &cobra.Command{
		Use:   "generate-config <path>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.DefaultConfig(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration saved to %s\n", args[0])
			return nil
		},
	}

	rootCmd.AddCommand(userCmd, generateCmd)
}

func updateUsers(path string, update func(*config.Config) error, out io.Writer, format, username string) error {
	if path == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := update(cfg); err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, format, username)
	return nil
}

func listUsers(out io.Writer, cfg *config.Config) {
	if len(cfg.Auth.Users) == 0 {
		fmt.Fprintln(out, "No users configured")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tALGORITHM\tENABLED")
	for _, u := range cfg.Auth.Users {
		fmt.Fprintf(w, "%s\t%s\t%t\n", u.Username, u.Algorithm, u.Enabled)
	}
	_ = w.Flush()
}
