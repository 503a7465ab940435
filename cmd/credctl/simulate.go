package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// simulateCmd は端末シミュレータを操作するコマンド群。
func (c *cli) simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Control the simulated device platform",
	}
	cmd.AddCommand(c.simulateLockCmd("lock", "Configure a device lock screen", true))
	cmd.AddCommand(c.simulateLockCmd("unlock", "Remove the device lock screen", false))
	cmd.AddCommand(c.simulateEnrollCmd())
	cmd.AddCommand(c.simulatePromptsCmd())
	return cmd
}

func (c *cli) simulateLockCmd(use, short string, secure bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.call(http.MethodPut, "/v1/simulator/lock", map[string]bool{"secure": secure}, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				return fmt.Sprintf("Simulated device secure=%v", r["secure"])
			})
		},
	}
}

func (c *cli) simulateEnrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll-biometric",
		Short: "Simulate enrolling a new biometric",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.call(http.MethodPost, "/v1/simulator/biometric-enrollments", nil, http.StatusCreated)
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				return fmt.Sprintf("Enrolled biometric %v", r["enrollment_id"])
			})
		},
	}
}

func (c *cli) simulatePromptsCmd() *cobra.Command {
	var setup, confirm string
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Set how simulated prompts are answered",
		RunE: func(cmd *cobra.Command, args []string) error {
			if setup == "" && confirm == "" {
				return fmt.Errorf("--setup or --confirm is required")
			}
			reqBody := map[string]string{"setup": setup, "confirm": confirm}
			body, err := c.call(http.MethodPut, "/v1/simulator/prompts", reqBody, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				return fmt.Sprintf("Prompts: setup=%v confirm=%v", r["setup"], r["confirm"])
			})
		},
	}
	cmd.Flags().StringVar(&setup, "setup", "", "Setup prompt outcome: complete, dismiss, unavailable")
	cmd.Flags().StringVar(&confirm, "confirm", "", "Confirm prompt outcome: accept, decline, unavailable")
	return cmd
}
