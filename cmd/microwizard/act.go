package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/pattern"
	"github.com/WizardTales/MicroWizard/transport"
)

func newActCmd() *cobra.Command {
	var (
		addr    string
		pat     string
		data    string
		exact   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "act",
		Short: "Send one action to a running node",
		Example: `  microwizard act --pattern role:mesh,get:members
  microwizard act --addr 10.0.0.5:10201 --pattern role:user,cmd:get --data '{"id":7}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", addr, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", portStr, err)
			}

			msg := core.Msg{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					return fmt.Errorf("invalid data: %w", err)
				}
			}

			cfg := transport.DefaultClientConfig()
			cfg.Host = host
			cfg.Port = port
			cfg.Timeout = timeout
			if exact {
				cfg.Kind = transport.KindActE
				cfg.Pattern = pat
			} else {
				// the remote resolves the attributes, so the pattern travels in them
				p, err := pattern.ParseFact(pattern.Literal(pat))
				if err != nil {
					return err
				}
				for k, v := range p.Attrs() {
					msg[k] = v
				}
			}

			client, err := transport.NewClient(cfg, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Send(cmd.Context(), msg, nil)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:10201", "node address")
	cmd.Flags().StringVarP(&pat, "pattern", "p", "", "action pattern, e.g. role:user,cmd:get")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON object sent with the action")
	cmd.Flags().BoolVar(&exact, "exact", false, "resolve the pattern alone, ignoring data attributes")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "call timeout")
	cmd.MarkFlagRequired("pattern")
	return cmd
}
