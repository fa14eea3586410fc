package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/policy"
	"github.com/spf13/cobra"
)

var (
	checkRole       string
	checkPermission string
	checkMethod     string
	checkPath       string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check an authorization decision",
	Long: `Evaluate the authorization policy for a role and permission without
starting the server. The configured policy file is used when one is set.`,
	Example: `  tvbill check --role cashier --permission device_management
  tvbill check --role manager --permission session_management --method POST --path /api/sessions`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkRole, "role", "", "Role carried by the token (admin, manager, cashier, device)")
	checkCmd.Flags().StringVar(&checkPermission, "permission", "", "Permission to check")
	checkCmd.Flags().StringVar(&checkMethod, "method", "GET", "Request method passed to the policy")
	checkCmd.Flags().StringVar(&checkPath, "path", "", "Request path passed to the policy")
	_ = checkCmd.MarkFlagRequired("role")
	_ = checkCmd.MarkFlagRequired("permission")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	authz, err := policy.New(cfg.Policy.File, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize authorization policy: %w", err)
	}

	allowed, err := authz.Allow(cmd.Context(), policy.Input{
		Role:       checkRole,
		Permission: checkPermission,
		Method:     strings.ToUpper(checkMethod),
		Path:       checkPath,
	})
	if err != nil {
		return err
	}

	printCheckResult(cfg.Policy.File, allowed)
	return nil
}

func printCheckResult(policyFile string, allowed bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("AUTHORIZATION CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Role:       %s\n", checkRole)
	fmt.Printf("Permission: %s\n", checkPermission)
	if checkPath != "" {
		fmt.Printf("Request:    %s %s\n", strings.ToUpper(checkMethod), checkPath)
	}
	if policyFile != "" {
		fmt.Printf("Policy:     %s\n", policyFile)
	} else {
		fmt.Printf("Policy:     (built-in)\n")
	}
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	if allowed {
		_, _ = green.Println("ALLOW")
	} else {
		_, _ = red.Println("DENY")
		fmt.Println("            → API returns 403 forbidden")
	}
	fmt.Println()
}
