package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"quantbar/internal/maincontract"
	"quantbar/pkg/quantbar"
)

var (
	healthAddr     string
	healthServices []string
)

var (
	servingStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	notServingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running daemon",
	Long: `Prints the health status of the daemon and of its jobs.

Example:
  quantbar health
  quantbar health --addr 10.0.0.5:9090 --service cnfut`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "daemon address (default schedule.health_addr)")
	healthCmd.Flags().StringSliceVar(&healthServices, "service", nil, "services to query (default the daemon and its jobs)")
}

func runHealth(cmd *cobra.Command, args []string) error {
	addr := healthAddr
	if addr == "" {
		addr = cfg.Schedule.HealthAddr
	}
	services := healthServices
	if len(services) == 0 {
		services = append([]string{""}, enabledSources()...)
		if len(cfg.MainContract.Families) > 0 {
			services = append(services, maincontract.JobName)
		}
	}

	client, err := quantbar.NewClient(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	unhealthy := 0
	for _, service := range services {
		label := service
		if label == "" {
			label = "daemon"
		}
		status, err := client.Status(ctx, service)
		switch {
		case err != nil:
			unhealthy++
			fmt.Printf("%-14s %s\n", label, dimStyle.Render(err.Error()))
		case status == "SERVING":
			fmt.Printf("%-14s %s\n", label, servingStyle.Render(status))
		default:
			unhealthy++
			fmt.Printf("%-14s %s\n", label, notServingStyle.Render(status))
		}
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d of %d services not serving", unhealthy, len(services))
	}
	return nil
}
