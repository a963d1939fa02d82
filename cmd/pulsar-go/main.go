// Copyright 2022 The emqx-go Authors
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

// Command pulsar-go runs a pulsar-go broker and the tools that talk to it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turtacn/pulsar-go/pkg/config"
	"github.com/turtacn/pulsar-go/pkg/logger"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pulsar-go",
		Short:         "pulsar-go broker and command line tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to a YAML or JSON configuration file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newBrokerCmd(),
		newSinkCmd(),
		newUnloadCmd(),
		newResetCursorCmd(),
		newConfigCmd(),
	)
	return root
}

// setup loads the configuration for cmd and builds the root logger.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
