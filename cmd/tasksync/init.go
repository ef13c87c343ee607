package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var backendIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// initAnswers are the values collected by the init form or flags.
type initAnswers struct {
	ID        string
	Type      string
	Policy    string
	BaseURL   string
	Token     string
	RedisAddr string
	Identity  string
	Period    string
	Dashboard bool
}

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Write a starter config",
	Long: `Create a tasksync config with one backend.

Without --yes an interactive form asks for the backend details. With
--yes the values come from flags, and secrets may be given as ${VAR}
references that are expanded when the config is loaded.`,
	Example: `  tasksync init
  tasksync init --yes --type rest --id work --base-url https://tasks.example.com/api --token '${WORK_TOKEN}'
  tasksync init --yes --type redis --id team --redis-addr localhost:6379 --identity alice`,
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath(cmd)
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			fatalf("Error: %s already exists (use --force to overwrite)", path)
		}

		a := initAnswers{Policy: string(reconcile.DefaultPolicy), Period: "5m"}
		a.ID, _ = cmd.Flags().GetString("id")
		a.Type, _ = cmd.Flags().GetString("type")
		a.BaseURL, _ = cmd.Flags().GetString("base-url")
		a.Token, _ = cmd.Flags().GetString("token")
		a.RedisAddr, _ = cmd.Flags().GetString("redis-addr")
		a.Identity, _ = cmd.Flags().GetString("identity")
		if p, _ := cmd.Flags().GetString("policy"); p != "" {
			a.Policy = p
		}
		if p, _ := cmd.Flags().GetString("period"); p != "" {
			a.Period = p
		}
		a.Dashboard, _ = cmd.Flags().GetBool("dashboard")

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			if !ui.IsTerminal() {
				fatalf("Error: not a terminal; pass --yes with flags instead")
			}
			if err := runInitForm(&a); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Aborted")
					return
				}
				fatalf("Error: %v", err)
			}
		}

		cfg, err := a.config()
		if err != nil {
			fatalf("Error: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			fatalf("Invalid config:\n%v", err)
		}
		if err := cfg.Write(path); err != nil {
			fatalf("Error writing config: %v", err)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Tasks: %s\n", cfg.TasksRoot())
		fmt.Printf("\nNext: 'tasksync sync' for one cycle or 'tasksync daemon' to keep syncing\n")
	},
}

// config builds the configuration described by the answers.
func (a initAnswers) config() (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Dashboard.Enabled = a.Dashboard

	period, err := time.ParseDuration(a.Period)
	if err != nil {
		return nil, fmt.Errorf("invalid period %q: %w", a.Period, err)
	}

	bc := config.BackendConfig{
		ID:             a.ID,
		Type:           a.Type,
		ConflictPolicy: a.Policy,
	}
	switch a.Type {
	case config.TypeRest:
		bc.Period = period
		bc.Rest = config.RestConfig{BaseURL: a.BaseURL, Token: a.Token}
	case config.TypeRedis:
		bc.Redis = config.RedisConfig{Addr: a.RedisAddr, Identity: a.Identity}
	}
	cfg.Backends = []config.BackendConfig{bc}
	return cfg, nil
}

func runInitForm(a *initAnswers) error {
	if a.Type == "" {
		a.Type = config.TypeRest
	}

	policies := make([]huh.Option[string], 0, len(reconcile.Policies))
	for _, p := range reconcile.Policies {
		policies = append(policies, huh.NewOption(string(p), string(p)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Backend type").
				Options(
					huh.NewOption("REST service (polled)", config.TypeRest),
					huh.NewOption("Redis channels (live, shared tags)", config.TypeRedis),
				).
				Value(&a.Type),
			huh.NewInput().
				Title("Backend id").
				Description("Lowercase letters, digits, - and _").
				Value(&a.ID).
				Validate(func(s string) error {
					if !backendIDPattern.MatchString(s) {
						return fmt.Errorf("invalid id")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("When both sides changed").
				Options(policies...).
				Value(&a.Policy),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Base URL").
				Placeholder("https://tasks.example.com/api").
				Value(&a.BaseURL).
				Validate(huh.ValidateNotEmpty()),
			huh.NewInput().
				Title("API token").
				Description("A ${VAR} reference keeps the secret out of the file").
				EchoMode(huh.EchoModePassword).
				Value(&a.Token),
			huh.NewInput().
				Title("Poll period").
				Value(&a.Period).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil || d <= 0 {
						return fmt.Errorf("a positive duration such as 5m")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return a.Type != config.TypeRest }),
		huh.NewGroup(
			huh.NewInput().
				Title("Redis address").
				Placeholder("localhost:6379").
				Value(&a.RedisAddr).
				Validate(huh.ValidateNotEmpty()),
			huh.NewInput().
				Title("Your identity").
				Description("The name others use to share tags with you").
				Value(&a.Identity).
				Validate(huh.ValidateNotEmpty()),
		).WithHideFunc(func() bool { return a.Type != config.TypeRedis }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Serve the live dashboard on port " + strconv.Itoa(config.DefaultConfig().Dashboard.Port) + "?").
				Value(&a.Dashboard),
		),
	)
	return form.Run()
}

func init() {
	initCmd.Flags().BoolP("yes", "y", false, "Skip the form and use flag values")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config")
	initCmd.Flags().String("id", "", "Backend id")
	initCmd.Flags().String("type", "", "Backend type: rest or redis")
	initCmd.Flags().String("policy", "", "Conflict policy (default remote-wins)")
	initCmd.Flags().String("period", "", "Poll period for rest backends (default 5m)")
	initCmd.Flags().String("base-url", "", "REST base URL")
	initCmd.Flags().String("token", "", "REST bearer token")
	initCmd.Flags().String("redis-addr", "", "Redis address host:port")
	initCmd.Flags().String("identity", "", "Your identity on redis channels")
	initCmd.Flags().Bool("dashboard", false, "Enable the dashboard")
	rootCmd.AddCommand(initCmd)
}
