// doctor.go implements "pacetrace doctor": sanity-check the local setup.
package cli

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacetrace-dev/pacetrace/internal/config"
	"github.com/pacetrace-dev/pacetrace/internal/metrics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage, and backend connectivity",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	dir := config.Dir()
	cfg, err := config.ReadConfig(dir)

	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("  %s %s: %v\n", warnStyle.Render("✗"), name, err)
			return
		}
		fmt.Printf("  %s %s\n", okStyle.Render("✓"), name)
	}

	fmt.Println(titleStyle.Render("Pacetrace Doctor"))
	fmt.Println()

	check("config readable", err)
	if err != nil {
		return fmt.Errorf("cannot continue without config")
	}

	check("telemetry credentials", checkCredentials(cfg))
	check("state directory writable", checkWritable(cfg.Telemetry.StateDir))
	check("metrics database", checkDatabase(cfg.DBPath))
	if cfg.TelemetryReady() {
		check("backend reachable", checkBackend(cfg))
	} else {
		fmt.Printf("  %s backend reachable (skipped: telemetry not configured)\n", warnStyle.Render("-"))
	}

	fmt.Println()
	if failed {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println(okStyle.Render("All checks passed."))
	return nil
}

func checkCredentials(cfg *config.Config) error {
	if !cfg.Telemetry.Enabled {
		return fmt.Errorf("telemetry is disabled")
	}
	var missing []string
	if cfg.Telemetry.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if cfg.Telemetry.PublicKey == "" {
		missing = append(missing, "public_key")
	}
	if cfg.Telemetry.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkDatabase(path string) error {
	store, err := metrics.NewStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	_, err = store.Last24h()
	return err
}

func checkBackend(cfg *config.Config) error {
	url := strings.TrimRight(cfg.Telemetry.BaseURL, "/") + "/api/public/health"
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}
